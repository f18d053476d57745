package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/realtime"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the settings and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := LoadSettings(flagOrEnv(cmd, "config", "CONFIG", ""))
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(settings)
		},
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("status", nil, "only leads with one of these statuses")
	cmd.Flags().String("search", "", "case-insensitive search on name, email and phone")
	cmd.Flags().Int("page", 1, "page number")
	cmd.Flags().Int("limit", 20, "page size")
	cmd.Flags().String("sort", "", "sort field, prefix with - for descending")
}

// descriptorFromFlags builds the filter descriptor of list and watch.
func descriptorFromFlags(cmd *cobra.Command) cache.FilterDescriptor {
	page, _ := cmd.Flags().GetInt("page")
	limit, _ := cmd.Flags().GetInt("limit")
	d := cache.NewDescriptor(page, limit)

	if statuses, _ := cmd.Flags().GetStringSlice("status"); len(statuses) > 0 {
		values := make([]any, len(statuses))
		for i, s := range statuses {
			values[i] = s
		}
		d = d.WithField("status", values...)
	}
	if search, _ := cmd.Flags().GetString("search"); search != "" {
		d = d.WithSearch(search)
	}
	if sortKey, _ := cmd.Flags().GetString("sort"); sortKey != "" {
		d.Sort = cache.Sort{Key: strings.TrimPrefix(sortKey, "-"), Direction: cache.SortAsc}
		if strings.HasPrefix(sortKey, "-") {
			d.Sort.Direction = cache.SortDesc
		}
	}
	return d
}

func printPage(w io.Writer, page cache.PageResult[*Lead]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tSTATUS\tCREATED")
	for _, l := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Email, l.Status, l.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d of %d, %d total\n", page.Page, page.TotalPages, page.TotalCount)
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads through the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := descriptorFromFlags(cmd)
			repeat, _ := cmd.Flags().GetInt("repeat")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				var page cache.PageResult[*Lead]
				for i := 0; i < max(repeat, 1); i++ {
					start := time.Now()
					var err error
					if page, err = a.leads.List(ctx, d); err != nil {
						return err
					}
					a.logger.Info("list served", "run", i+1, "took", time.Since(start))
				}
				printPage(cmd.OutOrStdout(), page)

				stats := a.container.Stats()
				fmt.Fprintf(cmd.ErrOrStderr(), "cache: key=%s hits=%d misses=%d\n",
					a.leads.ListKey(ctx, d), stats.Hits, stats.Misses)
				return nil
			})
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Int("repeat", 1, "run the query this many times to observe cache hits")
	return cmd
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead optimistically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			phone, _ := cmd.Flags().GetString("phone")
			status, _ := cmd.Flags().GetString("status")
			if name == "" {
				return cache.NewValidationError("name is required", "name", "cannot be blank")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				created, err := a.leads.Create(ctx, &Lead{
					Name:      name,
					Email:     email,
					Phone:     phone,
					Status:    status,
					CreatedAt: time.Now().UTC(),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "lead name")
	cmd.Flags().String("email", "", "lead email")
	cmd.Flags().String("phone", "", "lead phone")
	cmd.Flags().String("status", "open", "lead status")
	return cmd
}

var sampleLeads = []Lead{
	{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+44 20 7946 0001", Status: "open"},
	{Name: "Grace Hopper", Email: "grace@example.com", Phone: "+1 202 555 0102", Status: "open"},
	{Name: "Linus Torvalds", Email: "linus@example.com", Phone: "+358 9 555 0103", Status: "won"},
	{Name: "Barbara Liskov", Email: "barbara@example.com", Phone: "+1 617 555 0104", Status: "lost"},
	{Name: "Ken Thompson", Email: "ken@example.com", Phone: "+1 908 555 0105", Status: "open"},
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert sample leads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				now := time.Now().UTC()
				for i, l := range sampleLeads {
					lead := l
					lead.CreatedAt = now.Add(-time.Duration(i) * time.Hour)
					if _, err := a.leads.Create(ctx, &lead); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d leads\n", len(sampleLeads))
				return nil
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a lead page subscribed and print it whenever it changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := descriptorFromFlags(cmd)
			timeout, _ := cmd.Flags().GetDuration("for")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				out := cmd.OutOrStdout()

				view, err := a.leads.Watch(ctx, d, nil)
				if err != nil {
					return err
				}
				defer view.Close()

				handle, err := a.container.SubscribeEntity(ctx, "lead")
				if err != nil {
					return err
				}
				defer handle.Close()

				printPage(out, view.State().Data)
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-handle.Events():
						if !ok {
							return nil
						}
						a.container.Scheduler().Wait()
						fmt.Fprintf(out, "\n%s %s %s\n", ev.At.Format(time.RFC3339), strings.ToUpper(string(ev.Operation)), eventID(ev))
						printPage(out, view.State().Data)
					}
				}
			})
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Duration("for", 0, "stop watching after this long")
	return cmd
}

func eventID(ev realtime.ChangeEvent) string {
	if ev.ID == "" {
		return ev.Entity
	}
	return ev.Entity + "/" + ev.ID
}
