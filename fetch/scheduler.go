// Package fetch runs remote reads for cache keys: one request per key at a
// time, retries with exponential backoff and background revalidation of
// subscribed keys after invalidation.
package fetch

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/store"
)

// DefaultRefetchConcurrency bounds background refetches per invalidation.
const DefaultRefetchConcurrency = 4

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// flight is one remote read for a key at a given entry generation.
type flight struct {
	gen  uint64
	done chan struct{}
	val  any
	err  error
}

// Scheduler executes fetches against the store.
type Scheduler struct {
	store       *store.Store
	retry       cache.RetryConfig
	sleep       SleepFunc
	logger      *slog.Logger
	concurrency int

	flights *xsync.MapOf[string, *flight]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleep, used by tests to observe delays.
func WithSleep(sleep SleepFunc) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithRefetchConcurrency bounds concurrent background refetches.
func WithRefetchConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a scheduler over st using retry for failed reads.
func New(st *store.Store, retry cache.RetryConfig, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:       st,
		retry:       retry,
		sleep:       sleepContext,
		logger:      slog.Default(),
		concurrency: DefaultRefetchConcurrency,
		flights:     xsync.NewMapOf[string, *flight](),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "fetch")
	return s
}

// Store returns the store the scheduler writes to.
func (s *Scheduler) Store() *store.Store { return s.store }

// Close cancels background work and waits for it to stop.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Wait blocks until background refetches started so far have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureFresh returns fresh data for key, fetching it with fn when the entry
// is missing or stale. Callers asking for the same key while a fetch is in
// flight join it instead of issuing another remote call.
func EnsureFresh[T any](ctx context.Context, s *Scheduler, key cache.QueryKey, fn cache.FetchFn[T]) (T, error) {
	val, err := s.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return cache.Decode[T](val)
}

// Fetch is the untyped form of EnsureFresh. fn is registered as the key
// fetcher so invalidation can refetch the key later.
func (s *Scheduler) Fetch(ctx context.Context, key cache.QueryKey, fn store.FetchFunc) (any, error) {
	s.store.SetFetcher(key, fn)
	return s.fetch(ctx, key, fn)
}

func (s *Scheduler) fetch(ctx context.Context, key cache.QueryKey, fn store.FetchFunc) (any, error) {
	for {
		if entry, ok := s.store.Read(key); ok && entry.Status != cache.StatusLoading && entry.Fresh(s.store.Now()) {
			return entry.Data, nil
		}

		f, owner := s.acquire(key)
		if owner {
			s.wg.Add(1)
			go s.run(ctx, key, f, fn)
		} else if f.gen != s.store.Generation(key) {
			// the entry changed since this flight started; its result will not
			// be stored, so wait for it to end and start over
			if err := waitFlight(ctx, f); err != nil {
				return nil, err
			}
			continue
		}

		if err := waitFlight(ctx, f); err != nil {
			return nil, err
		}
		return f.val, f.err
	}
}

func waitFlight(ctx context.Context, f *flight) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the flight for key, creating it when none is running.
func (s *Scheduler) acquire(key cache.QueryKey) (*flight, bool) {
	var created *flight
	f, _ := s.flights.Compute(key.String(), func(old *flight, loaded bool) (*flight, bool) {
		if loaded {
			return old, false
		}
		created = &flight{done: make(chan struct{})}
		created.gen = s.store.BeginFetch(key)
		return created, false
	})
	return f, f == created
}

// run performs the remote read detached from the caller's cancellation, so
// one caller giving up does not fail the others joined on the same flight.
func (s *Scheduler) run(parent context.Context, key cache.QueryKey, f *flight, fn store.FetchFunc) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	defer cancel()

	f.val, f.err = s.withRetry(ctx, key, fn)
	if f.err != nil {
		s.store.FailFetch(key, f.gen, f.err)
	} else {
		s.store.CompleteFetch(key, f.gen, f.val)
	}

	s.flights.Compute(key.String(), func(old *flight, loaded bool) (*flight, bool) {
		return old, loaded && old == f
	})
	close(f.done)
}

func (s *Scheduler) withRetry(ctx context.Context, key cache.QueryKey, fn store.FetchFunc) (any, error) {
	attempts := 0
	for {
		val, err := fn(ctx)
		attempts++
		if err == nil {
			return val, nil
		}
		if !cache.IsRetryable(err) {
			return nil, err
		}
		if attempts > s.retry.MaxRetries {
			fetchErr := cache.NewTransientFetchError(key, attempts, err)
			s.logger.LogAttrs(ctx, slog.LevelError, "fetch failed after retries",
				append(goerrors.ToSlogAttributes(fetchErr), slog.String("key", key.String()))...)
			return nil, fetchErr
		}

		delay := s.retry.Delay(attempts - 1)
		s.logger.Warn("fetch failed, retrying",
			"key", key.String(),
			"hash", strconv.FormatUint(key.Hash(), 16),
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Revalidate refetches key in the background with its registered fetcher.
// It reports whether a refetch was started.
func (s *Scheduler) Revalidate(key cache.QueryKey) bool {
	fn, ok := s.store.Fetcher(key)
	if !ok {
		return false
	}
	if s.ctx.Err() != nil {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.fetch(s.ctx, key, fn); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("background revalidation failed", "key", key.String(), "error", err)
		}
	}()
	return true
}

// Invalidate marks key stale and refetches it in the background when it has
// subscribers.
func (s *Scheduler) Invalidate(key cache.QueryKey) bool {
	if !s.store.MarkStale(key) {
		return false
	}
	if s.store.Subscribers(key) > 0 {
		s.Revalidate(key)
	}
	return true
}

// InvalidatePrefix marks every entry under prefixes stale and refetches, in
// the background, only the keys that currently have subscribers. It returns
// the keys a refetch was scheduled for.
func (s *Scheduler) InvalidatePrefix(prefixes ...cache.KeyPrefix) []cache.QueryKey {
	var refetch []cache.QueryKey
	seen := make(map[string]struct{})
	for _, prefix := range prefixes {
		s.store.MarkStalePrefix(prefix)
		for _, key := range s.store.SubscribedKeys(prefix) {
			if _, dup := seen[key.String()]; dup {
				continue
			}
			if _, ok := s.store.Fetcher(key); !ok {
				continue
			}
			seen[key.String()] = struct{}{}
			refetch = append(refetch, key)
		}
	}

	if len(refetch) == 0 || s.ctx.Err() != nil {
		return refetch
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		g, ctx := errgroup.WithContext(s.ctx)
		g.SetLimit(s.concurrency)
		for _, key := range refetch {
			fn, ok := s.store.Fetcher(key)
			if !ok {
				continue
			}
			g.Go(func() error {
				if _, err := s.fetch(ctx, key, fn); err != nil && ctx.Err() == nil {
					s.logger.Debug("background refetch failed", "key", key.String(), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	return refetch
}
