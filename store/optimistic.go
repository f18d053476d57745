package store

import (
	"github.com/goliatone/go-query-cache/cache"
)

// Snapshot is an immutable copy of entries taken before an optimistic patch.
type Snapshot struct {
	records map[string]*record
	keys    []cache.QueryKey
}

// Keys returns the keys captured, including the ones that had no entry.
func (snap *Snapshot) Keys() []cache.QueryKey {
	return append([]cache.QueryKey(nil), snap.keys...)
}

// Data returns the captured data of key.
func (snap *Snapshot) Data(key cache.QueryKey) (any, bool) {
	rec, ok := snap.records[key.String()]
	if !ok || rec == nil || !rec.hasData {
		return nil, false
	}
	return rec.data, true
}

// Len returns the number of captured keys.
func (snap *Snapshot) Len() int { return len(snap.keys) }

// Snapshot captures the current records of keys and of every entry held under
// prefixes. Records are immutable, so the capture is a set of references.
func (s *Store) Snapshot(keys []cache.QueryKey, prefixes ...cache.KeyPrefix) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{records: make(map[string]*record)}
	add := func(key cache.QueryKey) {
		encoded := key.String()
		if _, seen := snap.records[encoded]; seen {
			return
		}
		rec, _ := s.get(encoded)
		snap.records[encoded] = rec
		snap.keys = append(snap.keys, key)
	}

	for _, key := range keys {
		if !key.IsZero() {
			add(key)
		}
	}
	for _, prefix := range prefixes {
		for _, encoded := range s.keysMatching(prefix.Matches) {
			if rec, ok := s.get(encoded); ok {
				add(rec.key)
			}
		}
	}
	return snap
}

// PatchFunc returns the replacement for data and whether it changed.
type PatchFunc func(data any) (any, bool)

// Patch replaces the data of key with fn(data) when the entry holds data.
// Timing is left untouched. It returns the data version of the patched entry.
func (s *Store) Patch(key cache.QueryKey, fn PatchFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchLocked(key.String(), 0, fn)
}

// PatchIf is Patch restricted to an entry whose data is still at version.
// Invalidation does not change the version.
func (s *Store) PatchIf(key cache.QueryKey, version uint64, fn PatchFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchLocked(key.String(), version, fn)
}

func (s *Store) patchLocked(encoded string, version uint64, fn PatchFunc) (uint64, bool) {
	rec, ok := s.get(encoded)
	if !ok || !rec.hasData {
		return 0, false
	}
	if version != 0 && rec.version != version {
		return 0, false
	}

	data, changed := fn(rec.data)
	if !changed {
		return 0, false
	}

	next := rec.clone()
	next.data = data
	next.generation = s.nextGeneration()
	next.version = s.nextGeneration()
	s.put(encoded, next)
	return next.version, true
}

// Restore puts back the captured data of every key in patched whose entry is
// still at the version recorded there. Entries whose data changed since the
// patch are left alone. An invalidation in between does not block the
// rollback and its stale deadline is kept. The generation is not changed, so
// a fetch begun after the patch still lands. It returns the restored keys.
func (s *Store) Restore(snap *Snapshot, patched map[string]uint64) []cache.QueryKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var restored []cache.QueryKey
	for _, key := range snap.keys {
		encoded := key.String()
		version, ok := patched[encoded]
		if !ok {
			continue
		}
		current, ok := s.get(encoded)
		if !ok || current.version != version {
			s.logger.Debug("skipped rollback of rewritten entry", "key", encoded)
			continue
		}

		prev := snap.records[encoded]
		if prev == nil {
			s.drop(encoded)
		} else {
			next := prev.clone()
			next.generation = current.generation
			next.version = s.nextGeneration()
			if current.staleAt.Before(next.staleAt) {
				next.staleAt = current.staleAt
			}
			if !next.gcAt.After(next.staleAt) {
				next.gcAt = next.staleAt.Add(s.Policy(key).GCTime.Std())
			}
			s.put(encoded, next)
		}
		restored = append(restored, key)
	}
	return restored
}
