package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-query-cache/cache"
)

func appendItem(item string) PatchFunc {
	return func(data any) (any, bool) {
		items, ok := data.([]string)
		if !ok {
			return data, false
		}
		next := append([]string{item}, items...)
		return next, true
	}
}

func TestSnapshot_CapturesKeysAndPrefixes(t *testing.T) {
	s, _ := newTestStore(t)
	open := leadList("open")
	won := leadList("won")
	detail := cache.DetailKey("lead", "1")
	s.Write(open, []string{"a"})
	s.Write(won, []string{"b"})

	snap := s.Snapshot([]cache.QueryKey{detail, open}, cache.ListPrefix("lead"))

	assert.Equal(t, 3, snap.Len(), "detail, open and won, no duplicates")
	data, ok := snap.Data(open)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, data)
	_, ok = snap.Data(detail)
	assert.False(t, ok, "detail had no entry")
}

func TestPatch_OnlyTouchesEntriesWithData(t *testing.T) {
	s, _ := newTestStore(t)
	key := leadList("open")

	_, ok := s.Patch(key, appendItem("n"))
	assert.False(t, ok)

	s.Write(key, []string{"a"})
	before, _ := s.Read(key)

	version, ok := s.Patch(key, appendItem("n"))
	require.True(t, ok)

	after, _ := s.Read(key)
	assert.Equal(t, []string{"n", "a"}, after.Data)
	assert.Equal(t, version, after.Version)
	assert.Greater(t, after.Generation, before.Generation, "fetches begun before the patch are superseded")
	assert.Equal(t, before.StaleAt, after.StaleAt, "timing untouched")
	assert.Equal(t, []string{"a"}, before.Data, "previous version is immutable")
}

func TestPatchIf_RequiresVersion(t *testing.T) {
	s, _ := newTestStore(t)
	key := leadList("open")
	s.Write(key, []string{"a"})
	version := s.Version(key)

	s.MarkStale(key)
	version, ok := s.PatchIf(key, version, appendItem("n"))
	assert.True(t, ok, "invalidation keeps the data version")

	s.Write(key, []string{"fresh"})
	_, ok = s.PatchIf(key, version, appendItem("m"))
	assert.False(t, ok)

	entry, _ := s.Read(key)
	assert.Equal(t, []string{"fresh"}, entry.Data)
}

func TestRestore_RollsBackPatchedEntries(t *testing.T) {
	s, _ := newTestStore(t)
	key := leadList("open")
	s.Write(key, []string{"A", "B", "C"})

	snap := s.Snapshot([]cache.QueryKey{key})
	version, ok := s.Patch(key, func(data any) (any, bool) {
		items := append([]string(nil), data.([]string)...)
		items[1] = "B'"
		return items, true
	})
	require.True(t, ok)

	entry, _ := s.Read(key)
	assert.Equal(t, []string{"A", "B'", "C"}, entry.Data)

	restored := s.Restore(snap, map[string]uint64{key.String(): version})
	require.Len(t, restored, 1)

	entry, _ = s.Read(key)
	assert.Equal(t, []string{"A", "B", "C"}, entry.Data)
	assert.Greater(t, entry.Version, version)
}

func TestRestore_RollsBackAcrossInvalidation(t *testing.T) {
	s, clock := newTestStore(t)
	key := leadList("open")
	s.Write(key, []string{"a"})

	snap := s.Snapshot([]cache.QueryKey{key})
	version, ok := s.Patch(key, appendItem("n"))
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	require.True(t, s.MarkStale(key))
	gen := s.BeginFetch(key)

	restored := s.Restore(snap, map[string]uint64{key.String(): version})
	require.Len(t, restored, 1)

	entry, _ := s.Read(key)
	assert.Equal(t, []string{"a"}, entry.Data)
	assert.True(t, entry.IsStale(clock.Now()), "the invalidation survives the rollback")
	assert.True(t, entry.GCAt.After(entry.StaleAt))

	// the refetch started after the patch still lands
	require.True(t, s.CompleteFetch(key, gen, []string{"server"}))
	entry, _ = s.Read(key)
	assert.Equal(t, []string{"server"}, entry.Data)
}

func TestRestore_SkipsRewrittenEntries(t *testing.T) {
	s, _ := newTestStore(t)
	key := leadList("open")
	s.Write(key, []string{"a"})

	snap := s.Snapshot([]cache.QueryKey{key})
	version, _ := s.Patch(key, appendItem("n"))

	// a newer fetch lands before the rollback
	s.Write(key, []string{"fresh"})

	restored := s.Restore(snap, map[string]uint64{key.String(): version})
	assert.Empty(t, restored)

	entry, _ := s.Read(key)
	assert.Equal(t, []string{"fresh"}, entry.Data)
}
