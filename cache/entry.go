package cache

import "time"

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is an immutable view of a cached value and its timing metadata.
//
// Invariants kept by the store: StaleAt >= FetchedAt and GCAt > StaleAt.
type Entry struct {
	Key         QueryKey
	Data        any
	HasData     bool
	Status      Status
	FetchedAt   time.Time
	StaleAt     time.Time
	GCAt        time.Time
	Err         error
	Subscribers int
	// Generation changes on every data change and on invalidation.
	Generation  uint64
	// Version changes only when the data changes.
	Version     uint64
}

// IsStale reports whether the entry should be revalidated at now.
func (e Entry) IsStale(now time.Time) bool {
	if !e.HasData {
		return true
	}
	return !now.Before(e.StaleAt)
}

// Fresh reports whether the entry holds successfully fetched data that is
// not stale at now.
func (e Entry) Fresh(now time.Time) bool {
	return e.HasData && e.Status == StatusSuccess && !e.IsStale(now)
}

// StaleReadWarning is attached to a query state when data is served past its
// stale time while a refetch is pending. It is not an error.
type StaleReadWarning struct {
	Key       QueryKey
	StaleAt   time.Time
	FetchedAt time.Time
}

func (w StaleReadWarning) String() string {
	return "stale read for " + w.Key.String() + " (fetched " + w.FetchedAt.Format(time.RFC3339) + ")"
}

// QueryState is what a view receives for a read: last known data, status,
// error and an optional stale warning so it can render a refreshing indicator.
type QueryState[T any] struct {
	Key       QueryKey
	Data      T
	HasData   bool
	Status    Status
	Err       error
	Warning   *StaleReadWarning
	FetchedAt time.Time
}

// IsStale reports whether the state carries a stale warning.
func (s QueryState[T]) IsStale() bool { return s.Warning != nil }

// IsLoading reports whether a fetch is pending for the key.
func (s QueryState[T]) IsLoading() bool { return s.Status == StatusLoading }
