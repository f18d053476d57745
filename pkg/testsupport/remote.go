package testsupport

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/query"
)

// Remote operation names used by Calls and FailNext.
const (
	OpQuery  = "query"
	OpGet    = "get"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// MemoryRemote is an in-memory cache.Remote for one entity. Queries are
// evaluated with query.Apply, so filters, sort and windows behave like a real
// source. Failures can be queued per operation and queries can be held open
// to observe coalescing.
type MemoryRemote[T any] struct {
	mu       sync.Mutex
	entity   string
	items    []T
	idOf     func(T) string
	withID   func(T, string) T
	nextID   int
	calls    map[string]int
	failures map[string][]error
	gate     chan struct{}
	entered  chan struct{}
}

// NewMemoryRemote creates a remote holding items. idOf reads a record id and
// withID returns the record with its id set; Insert uses it to assign the
// persisted id.
func NewMemoryRemote[T any](entity string, idOf func(T) string, withID func(T, string) T, items ...T) *MemoryRemote[T] {
	return &MemoryRemote[T]{
		entity:   entity,
		items:    append([]T(nil), items...),
		idOf:     idOf,
		withID:   withID,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		entered:  make(chan struct{}, 128),
	}
}

// FailNext queues errs to be returned by the next calls of op, in order.
func (r *MemoryRemote[T]) FailNext(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errs...)
}

// Hold makes Query and Get block until the returned release func is called.
func (r *MemoryRemote[T]) Hold() (release func()) {
	r.mu.Lock()
	gate := make(chan struct{})
	r.gate = gate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gate == gate {
				r.gate = nil
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Entered receives one value each time a read reaches the remote.
func (r *MemoryRemote[T]) Entered() <-chan struct{} { return r.entered }

// Calls returns how many times op was invoked.
func (r *MemoryRemote[T]) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Items returns a copy of the stored records.
func (r *MemoryRemote[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

// Put replaces or appends a record directly, bypassing counters.
func (r *MemoryRemote[T]) Put(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(r.idOf(item)); i >= 0 {
		r.items[i] = item
		return
	}
	r.items = append(r.items, item)
}

func (r *MemoryRemote[T]) begin(op string) (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[op]++
	if queued := r.failures[op]; len(queued) > 0 {
		r.failures[op] = queued[1:]
		if queued[0] != nil {
			return nil, queued[0]
		}
	}
	return r.gate, nil
}

func (r *MemoryRemote[T]) wait(ctx context.Context, gate chan struct{}) error {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *MemoryRemote[T]) indexLocked(id string) int {
	for i, item := range r.items {
		if r.idOf(item) == id {
			return i
		}
	}
	return -1
}

// Query implements cache.QuerySource.
func (r *MemoryRemote[T]) Query(ctx context.Context, q cache.RemoteQuery) (cache.Rows[T], error) {
	gate, err := r.begin(OpQuery)
	if err != nil {
		return cache.Rows[T]{}, err
	}
	if err := r.wait(ctx, gate); err != nil {
		return cache.Rows[T]{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return query.Apply(r.items, q), nil
}

// Get implements cache.QuerySource.
func (r *MemoryRemote[T]) Get(ctx context.Context, entity, id string) (T, error) {
	var zero T
	gate, err := r.begin(OpGet)
	if err != nil {
		return zero, err
	}
	if err := r.wait(ctx, gate); err != nil {
		return zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.items[i], nil
	}
	return zero, cache.NotFound(entity, id)
}

// Insert implements cache.MutationSink. Records are prepended so the newest
// comes first.
func (r *MemoryRemote[T]) Insert(ctx context.Context, entity string, record T) (T, error) {
	var zero T
	if _, err := r.begin(OpInsert); err != nil {
		return zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	record = r.withID(record, fmt.Sprintf("%s-%d", r.entity, r.nextID))
	r.items = append([]T{record}, r.items...)
	return record, nil
}

// Update implements cache.MutationSink.
func (r *MemoryRemote[T]) Update(ctx context.Context, entity, id string, record T) (T, error) {
	var zero T
	if _, err := r.begin(OpUpdate); err != nil {
		return zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return zero, cache.NotFound(entity, id)
	}
	r.items[i] = record
	return record, nil
}

// Delete implements cache.MutationSink.
func (r *MemoryRemote[T]) Delete(ctx context.Context, entity, id string) error {
	if _, err := r.begin(OpDelete); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return cache.NotFound(entity, id)
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	return nil
}

var _ cache.Remote[struct{}] = (*MemoryRemote[struct{}])(nil)
