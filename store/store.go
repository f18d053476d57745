// Package store keeps query cache entries in memory: data, status, stale and
// gc deadlines, subscriber counts, the generation used to match fetch results
// to the request that produced them and the data version optimistic patches
// are matched against.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/internal/cacheinfra"
)

// ErrSubscribed is returned when removing an entry that views still observe.
var ErrSubscribed = goerrors.New("entry has active subscribers", goerrors.CategoryConflict).
	WithTextCode("ENTRY_SUBSCRIBED")

// FetchFunc reloads the data of one key. The scheduler registers it on first
// fetch so invalidation can refetch subscribed keys in the background.
type FetchFunc func(ctx context.Context) (any, error)

// record is an immutable version of an entry. generation changes on every
// data change and on invalidation; version changes on data changes only.
type record struct {
	key        cache.QueryKey
	data       any
	hasData    bool
	status     cache.Status
	err        error
	fetchedAt  time.Time
	staleAt    time.Time
	gcAt       time.Time
	generation uint64
	version    uint64
}

func (r *record) clone() *record {
	cp := *r
	return &cp
}

// keyMeta survives table eviction and is only changed through meta.Compute.
type keyMeta struct {
	key         cache.QueryKey
	subscribers int
	inflight    int
	idleSince   time.Time
	fetcher     FetchFunc
}

// Stats is a point in time summary of the store.
type Stats struct {
	Entries    int
	Subscribed int
	Inflight   int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

// Store is the in-memory cache store. It is the only owner of entry state;
// every change goes through its methods.
type Store struct {
	cfg    cache.Config
	clock  cache.Clock
	logger *slog.Logger

	table *cacheinfra.Table[*record]
	meta  *xsync.MapOf[string, keyMeta]
	// pins holds the records of subscribed and fetching keys so capacity and
	// max age eviction in the table never drops them.
	pins *xsync.MapOf[string, *record]

	// mu serialises record read-modify-write cycles. Lock order is mu first,
	// then a meta bucket via Compute.
	mu  sync.Mutex
	seq atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock.
func WithClock(clock cache.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for gc and invalidation events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New validates cfg and creates a store. When cfg.GCInterval is positive a
// background sweep runs until Close.
func New(cfg cache.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	table, err := cacheinfra.NewTable[*record](cacheinfra.Config{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		MaxAge:             cfg.MaxAge.Std(),
		EvictionPercentage: cfg.EvictionPercentage,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid entry table config")
	}

	s := &Store{
		cfg:    cfg,
		clock:  cache.SystemClock{},
		logger: slog.Default(),
		table:  table,
		meta:   xsync.NewMapOf[string, keyMeta](),
		pins:   xsync.NewMapOf[string, *record](),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	if interval := cfg.GCInterval.Std(); interval > 0 {
		s.wg.Add(1)
		go s.gcLoop(interval)
	}

	return s, nil
}

// Close stops the gc sweep. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Now returns the store clock time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Policy returns the timing policy for the entity of key.
func (s *Store) Policy(key cache.QueryKey) cache.EntityPolicy {
	return s.cfg.PolicyFor(key.Entity())
}

func (s *Store) nextGeneration() uint64 { return s.seq.Add(1) }

func pinned(meta keyMeta) bool { return meta.subscribers > 0 || meta.inflight > 0 }

// get returns the record of encoded from the table, falling back to the pin
// of a key the table evicted.
func (s *Store) get(encoded string) (*record, bool) {
	if rec, ok := s.table.Get(encoded); ok {
		return rec, true
	}
	return s.pins.Load(encoded)
}

// put stores rec and refreshes its pin when the key is pinned. Callers hold mu.
func (s *Store) put(encoded string, rec *record) {
	s.table.Set(encoded, rec)
	if meta, ok := s.meta.Load(encoded); ok && pinned(meta) {
		s.pins.Store(encoded, rec)
	}
}

// drop removes encoded from the table and its pin. Callers hold mu.
func (s *Store) drop(encoded string) {
	s.table.Delete(encoded)
	s.pins.Delete(encoded)
}

// pin copies the current record of encoded into pins. Callers hold mu.
func (s *Store) pin(encoded string) {
	if rec, ok := s.get(encoded); ok {
		s.pins.Store(encoded, rec)
	}
}

// unpin hands the record back to the table so it ages out through the
// normal gc path. Callers hold mu.
func (s *Store) unpin(encoded string) {
	rec, ok := s.pins.LoadAndDelete(encoded)
	if !ok {
		return
	}
	if _, held := s.table.Get(encoded); !held {
		s.table.Set(encoded, rec)
	}
}

// keysMatching returns the encoded keys held in the table or pinned for which
// match reports true. A nil match returns every key.
func (s *Store) keysMatching(match func(string) bool) []string {
	if match == nil {
		match = func(string) bool { return true }
	}
	keys := s.table.KeysMatching(match)
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	s.pins.Range(func(encoded string, _ *record) bool {
		if _, ok := seen[encoded]; !ok && match(encoded) {
			keys = append(keys, encoded)
		}
		return true
	})
	return keys
}

// Read returns the entry for key. It never triggers a fetch. An entry that
// is collectable at read time is evicted and reported missing.
func (s *Store) Read(key cache.QueryKey) (cache.Entry, bool) {
	rec, ok := s.get(key.String())
	meta, _ := s.meta.Load(key.String())
	if !ok {
		s.misses.Add(1)
		if meta.inflight > 0 {
			return cache.Entry{Key: key, Status: cache.StatusLoading, Subscribers: meta.subscribers}, true
		}
		return cache.Entry{}, false
	}

	now := s.clock.Now()
	if s.collectable(rec, meta, now) {
		if s.evict(key.String(), now) {
			s.misses.Add(1)
			return cache.Entry{}, false
		}
	}

	s.hits.Add(1)
	return s.view(rec, meta), true
}

func (s *Store) view(rec *record, meta keyMeta) cache.Entry {
	status := rec.status
	if meta.inflight > 0 {
		status = cache.StatusLoading
	}
	return cache.Entry{
		Key:         rec.key,
		Data:        rec.data,
		HasData:     rec.hasData,
		Status:      status,
		FetchedAt:   rec.fetchedAt,
		StaleAt:     rec.staleAt,
		GCAt:        s.effectiveGCAt(rec, meta),
		Err:         rec.err,
		Subscribers: meta.subscribers,
		Generation:  rec.generation,
		Version:     rec.version,
	}
}

func (s *Store) effectiveGCAt(rec *record, meta keyMeta) time.Time {
	gcAt := rec.gcAt
	if meta.subscribers == 0 && !meta.idleSince.IsZero() {
		idle := meta.idleSince.Add(s.Policy(rec.key).GCTime.Std())
		if idle.After(gcAt) {
			gcAt = idle
		}
	}
	return gcAt
}

// Write stores data for key as freshly fetched.
func (s *Store) Write(key cache.QueryKey, data any) cache.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.freshRecord(key, data, s.clock.Now())
	s.put(key.String(), rec)
	meta := s.touchMeta(key)
	return s.view(rec, meta)
}

func (s *Store) freshRecord(key cache.QueryKey, data any, now time.Time) *record {
	policy := s.Policy(key)
	return &record{
		key:        key,
		data:       data,
		hasData:    true,
		status:     cache.StatusSuccess,
		fetchedAt:  now,
		staleAt:    now.Add(policy.StaleTime.Std()),
		gcAt:       now.Add(policy.GCTime.Std()),
		generation: s.nextGeneration(),
		version:    s.nextGeneration(),
	}
}

// touchMeta makes sure key has a meta record so subscribers and fetchers
// can be attached and the key is visible to prefix operations.
func (s *Store) touchMeta(key cache.QueryKey) keyMeta {
	meta, _ := s.meta.Compute(key.String(), func(old keyMeta, loaded bool) (keyMeta, bool) {
		if !loaded {
			old.key = key
		}
		return old, false
	})
	return meta
}

// MarkStale sets staleAt to now on key without dropping its data. Fetches
// begun before the call are superseded; the data version is kept so pending
// optimistic patches can still be rolled back. It reports whether an entry
// existed.
func (s *Store) MarkStale(key cache.QueryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markStaleLocked(key.String(), s.clock.Now())
}

func (s *Store) markStaleLocked(encoded string, now time.Time) bool {
	rec, ok := s.get(encoded)
	if !ok {
		return false
	}

	next := rec.clone()
	next.staleAt = now
	if next.staleAt.Before(next.fetchedAt) {
		next.staleAt = next.fetchedAt
	}
	if !next.gcAt.After(next.staleAt) {
		next.gcAt = next.staleAt.Add(s.Policy(rec.key).GCTime.Std())
	}
	next.generation = s.nextGeneration()
	s.put(encoded, next)
	return true
}

// MarkStalePrefix marks every entry under prefix stale and returns their keys.
func (s *Store) MarkStalePrefix(prefix cache.KeyPrefix) []cache.QueryKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var marked []cache.QueryKey
	for _, encoded := range s.keysMatching(prefix.Matches) {
		rec, ok := s.get(encoded)
		if !ok {
			continue
		}
		if s.markStaleLocked(encoded, now) {
			marked = append(marked, rec.key)
		}
	}

	s.logger.Debug("marked prefix stale", "prefix", prefix.String(), "entries", len(marked))
	return marked
}

// Remove deletes key. It is refused with ErrSubscribed while the key has
// subscribers.
func (s *Store) Remove(key cache.QueryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.meta.Load(key.String()); ok && meta.subscribers > 0 {
		return subscribedError(key, meta.subscribers)
	}
	s.removeLocked(key.String())
	return nil
}

func subscribedError(key cache.QueryKey, subscribers int) error {
	err := goerrors.New("cannot remove "+key.String(), goerrors.CategoryConflict).
		WithTextCode("ENTRY_SUBSCRIBED").
		WithMetadata(map[string]any{"key": key.String(), "subscribers": subscribers})
	err.Source = ErrSubscribed
	return err
}

// RemovePrefix deletes every unsubscribed entry under prefix. Subscribed keys
// are kept and returned.
func (s *Store) RemovePrefix(prefix cache.KeyPrefix) (removed int, kept []cache.QueryKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, encoded := range s.keysMatching(prefix.Matches) {
		if meta, ok := s.meta.Load(encoded); ok && meta.subscribers > 0 {
			kept = append(kept, meta.key)
			continue
		}
		s.removeLocked(encoded)
		removed++
	}
	return removed, kept
}

func (s *Store) removeLocked(encoded string) {
	s.drop(encoded)
	s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		if !loaded {
			return old, true
		}
		// an in-flight fetch still needs its counter
		return old, old.inflight == 0 && old.subscribers == 0
	})
}

// Subscribe registers interest in key and returns the new subscriber count.
// A subscribed entry is never evicted.
func (s *Store) Subscribe(key cache.QueryKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := key.String()
	meta, _ := s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		old.key = key
		old.subscribers++
		old.idleSince = time.Time{}
		return old, false
	})
	s.pin(encoded)
	return meta.subscribers
}

// Unsubscribe drops interest in key and returns the remaining count. When it
// reaches zero the gc deadline is pushed to at least now + gcTime.
func (s *Store) Unsubscribe(key cache.QueryKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	encoded := key.String()
	meta, _ := s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		if !loaded || old.subscribers == 0 {
			return old, !loaded
		}
		old.subscribers--
		if old.subscribers == 0 {
			old.idleSince = now
		}
		return old, false
	})
	if !pinned(meta) {
		s.unpin(encoded)
	}
	return meta.subscribers
}

// Subscribers returns the subscriber count of key.
func (s *Store) Subscribers(key cache.QueryKey) int {
	meta, _ := s.meta.Load(key.String())
	return meta.subscribers
}

// SubscribedKeys returns the keys under prefix with at least one subscriber.
func (s *Store) SubscribedKeys(prefix cache.KeyPrefix) []cache.QueryKey {
	var keys []cache.QueryKey
	s.meta.Range(func(encoded string, meta keyMeta) bool {
		if meta.subscribers > 0 && prefix.Matches(encoded) {
			keys = append(keys, meta.key)
		}
		return true
	})
	return keys
}

// Keys returns the keys of the entries held under prefix.
func (s *Store) Keys(prefix cache.KeyPrefix) []cache.QueryKey {
	var keys []cache.QueryKey
	for _, encoded := range s.keysMatching(prefix.Matches) {
		if rec, ok := s.get(encoded); ok {
			keys = append(keys, rec.key)
		}
	}
	return keys
}

// Generation returns the generation of the entry for key, zero when absent.
func (s *Store) Generation(key cache.QueryKey) uint64 {
	rec, ok := s.get(key.String())
	if !ok {
		return 0
	}
	return rec.generation
}

// Version returns the data version of the entry for key, zero when absent.
func (s *Store) Version(key cache.QueryKey) uint64 {
	rec, ok := s.get(key.String())
	if !ok {
		return 0
	}
	return rec.version
}

// SetFetcher registers the function used to refetch key in the background.
func (s *Store) SetFetcher(key cache.QueryKey, fn FetchFunc) {
	s.meta.Compute(key.String(), func(old keyMeta, loaded bool) (keyMeta, bool) {
		old.key = key
		old.fetcher = fn
		return old, false
	})
}

// Fetcher returns the fetch function registered for key.
func (s *Store) Fetcher(key cache.QueryKey) (FetchFunc, bool) {
	meta, ok := s.meta.Load(key.String())
	if !ok || meta.fetcher == nil {
		return nil, false
	}
	return meta.fetcher, true
}

// BeginFetch records a fetch in flight for key and returns the generation the
// result must match to be stored. A key without an entry gets an empty one.
func (s *Store) BeginFetch(key cache.QueryKey) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded := key.String()
	rec, ok := s.get(encoded)
	if !ok {
		rec = &record{key: key, status: cache.StatusIdle, generation: s.nextGeneration()}
		s.put(encoded, rec)
	}
	s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		old.key = key
		old.inflight++
		return old, false
	})
	s.pin(encoded)
	return rec.generation
}

// CompleteFetch stores data fetched for generation gen. The result is
// discarded when the entry changed since BeginFetch; the return value reports
// whether it was stored.
func (s *Store) CompleteFetch(key cache.QueryKey, gen uint64, data any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.endFetch(key)

	encoded := key.String()
	if rec, ok := s.get(encoded); !ok || rec.generation != gen {
		s.logger.Debug("discarded superseded fetch result", "key", encoded, "generation", gen)
		return false
	}
	s.put(encoded, s.freshRecord(key, data, s.clock.Now()))
	return true
}

// FailFetch records a fetch failure for generation gen. Existing data is kept
// so views can render the last known good value next to the error.
func (s *Store) FailFetch(key cache.QueryKey, gen uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.endFetch(key)

	encoded := key.String()
	rec, ok := s.get(encoded)
	if !ok || rec.generation != gen {
		return false
	}
	next := rec.clone()
	next.status = cache.StatusError
	next.err = err
	if !next.hasData {
		now := s.clock.Now()
		next.fetchedAt = now
		next.staleAt = now
		next.gcAt = now.Add(s.Policy(key).GCTime.Std())
	}
	s.put(encoded, next)
	return true
}

func (s *Store) endFetch(key cache.QueryKey) {
	encoded := key.String()
	meta, present := s.meta.Compute(encoded, func(old keyMeta, loaded bool) (keyMeta, bool) {
		if !loaded {
			return old, true
		}
		if old.inflight > 0 {
			old.inflight--
		}
		return old, false
	})
	if !present || !pinned(meta) {
		s.unpin(encoded)
	}
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	stats := Stats{
		Entries:   s.table.Len(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
	s.meta.Range(func(_ string, meta keyMeta) bool {
		if meta.subscribers > 0 {
			stats.Subscribed++
		}
		stats.Inflight += meta.inflight
		return true
	})
	s.pins.Range(func(encoded string, _ *record) bool {
		if _, ok := s.table.Get(encoded); !ok {
			stats.Entries++
		}
		return true
	})
	return stats
}
