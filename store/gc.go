package store

import (
	"time"
)

// collectable reports whether rec may be evicted at now: no subscribers, no
// fetch in flight and past its gc deadline.
func (s *Store) collectable(rec *record, meta keyMeta, now time.Time) bool {
	if meta.subscribers > 0 || meta.inflight > 0 {
		return false
	}
	gcAt := s.effectiveGCAt(rec, meta)
	if gcAt.IsZero() {
		return false
	}
	return now.After(gcAt)
}

// evict re-checks eligibility under the write lock and removes the entry.
func (s *Store) evict(encoded string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(encoded, now)
}

func (s *Store) evictLocked(encoded string, now time.Time) bool {
	rec, ok := s.get(encoded)
	if !ok {
		return false
	}
	evicted := false
	s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		if !s.collectable(rec, old, now) {
			return old, !loaded
		}
		evicted = true
		return old, true
	})
	if evicted {
		s.drop(encoded)
		s.evictions.Add(1)
	}
	return evicted
}

// GC evicts every collectable entry and returns how many were removed.
func (s *Store) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	evicted := 0
	for _, encoded := range s.keysMatching(nil) {
		if s.evictLocked(encoded, now) {
			evicted++
		}
	}

	// meta left behind by keys evicted from the table for capacity
	s.meta.Range(func(encoded string, meta keyMeta) bool {
		if meta.subscribers == 0 && meta.inflight == 0 {
			if _, ok := s.get(encoded); !ok {
				s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
					return old, !loaded || (old.subscribers == 0 && old.inflight == 0)
				})
			}
		}
		return true
	})

	if evicted > 0 {
		s.logger.Debug("gc sweep", "evicted", evicted, "remaining", s.Stats().Entries)
	}
	return evicted
}

func (s *Store) gcLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.GC()
		}
	}
}
