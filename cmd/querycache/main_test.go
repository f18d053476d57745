package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/cache"
)

func TestParseSettings(t *testing.T) {
	s, err := ParseSettings([]byte(`
database:
  driver: postgres
  dsn: postgres://localhost/crm?sslmode=disable
redis:
  addr: localhost:6379
  channel_prefix: "crm:"
cache:
  debounce_delay: 150ms
  entities:
    lead:
      stale_time: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, driverPostgres, s.Database.Driver)
	assert.Equal(t, "localhost:6379", s.Redis.Addr)
	assert.Equal(t, 150*time.Millisecond, s.Cache.DebounceDelay.Std())
	assert.Equal(t, 30*time.Second, s.Cache.PolicyFor("lead").StaleTime.Std())
	assert.Equal(t, cache.DefaultConfig().Capacity, s.Cache.Capacity, "unset keys keep their defaults")
}

func TestParseSettingsRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"unknown driver": "database:\n  driver: mysql\n",
		"empty dsn":      "database:\n  dsn: \"\"\n",
		"negative db":    "redis:\n  db: -1\n",
		"bad cache":      "cache:\n  capacity: 0\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings([]byte(doc))
			require.Error(t, err)
			assert.True(t, cache.IsValidation(err), "got %v", err)
		})
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, s.Database.Driver)
	assert.Empty(t, s.Redis.Addr)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDescriptorFromFlags(t *testing.T) {
	cmd := newListCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--status", "open,won", "--search", "ada", "--page", "2", "--limit", "5", "--sort", "-name",
	}))

	d := descriptorFromFlags(cmd)
	assert.Equal(t, 2, d.Page)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, "ada", d.Search)
	assert.Equal(t, cache.Sort{Key: "name", Direction: cache.SortDesc}, d.Sort)

	want := cache.NewDescriptor(2, 5).WithField("status", "open", "won").WithSearch("ada")
	want.Sort = cache.Sort{Key: "name", Direction: cache.SortDesc}
	assert.True(t, cache.BuildKey("lead", cache.ScopeList, d).Equal(cache.BuildKey("lead", cache.ScopeList, want)))
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), errOut.String())
	return out.String()
}

func TestCommandsAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "querycache.yaml")
	dsn := "file:" + filepath.Join(dir, "leads.db") + "?cache=shared"
	require.NoError(t, os.WriteFile(config, []byte("database:\n  driver: sqlite\n  dsn: \""+dsn+"\"\n"), 0o600))

	out := run(t, "--config", config, "seed")
	assert.Contains(t, out, "seeded 5 leads")

	out = run(t, "--config", config, "list", "--status", "open", "--sort", "name", "--repeat", "2")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5, out)
	assert.Contains(t, lines[1], "Ada Lovelace")
	assert.Contains(t, lines[2], "Grace Hopper")
	assert.Contains(t, lines[3], "Ken Thompson")
	assert.Equal(t, "page 1 of 1, 3 total", lines[4])

	id := strings.TrimSpace(run(t, "--config", config, "create", "--name", "Margaret Hamilton", "--status", "won"))
	assert.Len(t, id, 36)

	out = run(t, "--config", config, "list", "--search", "margaret")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "1 total")

	out = run(t, "--config", config, "config")
	assert.Contains(t, out, "driver: sqlite")
	assert.Contains(t, out, "debounce_delay: 300ms")
}
