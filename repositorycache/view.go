package repositorycache

import (
	"context"
	"sync"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/debounce"
)

// View is a subscribed list read. Filter changes are debounced and only the
// last descriptor of a burst reaches the cache; applying it moves the
// subscription from the old key to the new one.
type View[T any] struct {
	repo     *CachedRepository[T]
	ctx      context.Context
	onChange func(cache.QueryState[cache.PageResult[T]])
	filters  *debounce.Controller[cache.FilterDescriptor]

	apply sync.Mutex

	mu         sync.Mutex
	descriptor cache.FilterDescriptor
	key        cache.QueryKey
	last       cache.QueryState[cache.PageResult[T]]
	closed     bool
}

// Watch opens a view on d. The key is subscribed until Close so background
// refetches keep it current. onChange, when set, receives the state after
// every applied filter and refresh.
func (c *CachedRepository[T]) Watch(ctx context.Context, d cache.FilterDescriptor, onChange func(cache.QueryState[cache.PageResult[T]])) (*View[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := c.translator.ToRemote(c.entity, d); err != nil {
		return nil, err
	}

	v := &View[T]{
		repo:       c,
		ctx:        context.WithoutCancel(ctx),
		onChange:   onChange,
		descriptor: d.Normalize(),
		key:        c.ListKey(ctx, d),
	}
	v.filters = debounce.New(c.debounce, v.applyFilter, debounce.WithAfterFunc(c.timers))

	c.store.Subscribe(v.key)
	state, err := c.Query(v.ctx, v.descriptor)
	v.publish(state)
	return v, err
}

// Key returns the key the view is subscribed to.
func (v *View[T]) Key() cache.QueryKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key
}

// Descriptor returns the applied descriptor.
func (v *View[T]) Descriptor() cache.FilterDescriptor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.descriptor
}

// SetFilter schedules d to replace the current descriptor once the debounce
// delay passes without another call.
func (v *View[T]) SetFilter(d cache.FilterDescriptor) {
	v.filters.Schedule(d)
}

// Flush applies a pending filter immediately.
func (v *View[T]) Flush() bool {
	return v.filters.Flush()
}

// CancelFilter drops a pending filter without applying it.
func (v *View[T]) CancelFilter() bool {
	return v.filters.Cancel()
}

func (v *View[T]) applyFilter(d cache.FilterDescriptor) {
	v.apply.Lock()
	defer v.apply.Unlock()

	if _, err := v.repo.translator.ToRemote(v.repo.entity, d); err != nil {
		v.repo.logger.Warn("rejected view filter", "error", err)
		v.mu.Lock()
		last := v.last
		v.mu.Unlock()
		last.Err = err
		v.publish(last)
		return
	}

	next := v.repo.ListKey(v.ctx, d)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	prev := v.key
	v.descriptor = d.Normalize()
	v.key = next
	if !next.Equal(prev) {
		v.repo.store.Subscribe(next)
		v.repo.store.Unsubscribe(prev)
	}
	v.mu.Unlock()

	if !next.Equal(prev) {
		v.repo.logger.Debug("view moved", "from", prev.String(), "to", next.String())
	}

	state, _ := v.repo.Query(v.ctx, d)
	v.publish(state)
}

// Refresh queries the current key again, starting a background refetch when
// the cached page is stale.
func (v *View[T]) Refresh() (cache.QueryState[cache.PageResult[T]], error) {
	v.apply.Lock()
	defer v.apply.Unlock()

	state, err := v.repo.Query(v.ctx, v.Descriptor())
	v.publish(state)
	return state, err
}

// State reads the cached page of the current key without fetching.
func (v *View[T]) State() cache.QueryState[cache.PageResult[T]] {
	v.mu.Lock()
	key, last := v.key, v.last
	v.mu.Unlock()

	entry, ok := v.repo.store.Read(key)
	if !ok {
		if last.Key.Equal(key) {
			return last
		}
		return cache.QueryState[cache.PageResult[T]]{Key: key, Status: cache.StatusIdle}
	}

	state := cache.QueryState[cache.PageResult[T]]{Key: key, Status: entry.Status, Err: entry.Err, FetchedAt: entry.FetchedAt}
	if entry.HasData {
		data, err := cache.Decode[cache.PageResult[T]](entry.Data)
		if err != nil {
			state.Status, state.Err = cache.StatusError, err
			return state
		}
		state.Data, state.HasData = data, true
		if entry.IsStale(v.repo.store.Now()) {
			state.Warning = &cache.StaleReadWarning{Key: key, StaleAt: entry.StaleAt, FetchedAt: entry.FetchedAt}
		}
	}
	return state
}

func (v *View[T]) publish(state cache.QueryState[cache.PageResult[T]]) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.last = state
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange(state)
	}
}

// Close drops a pending filter and releases the subscription.
func (v *View[T]) Close() {
	v.filters.Stop()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	key := v.key
	v.mu.Unlock()

	v.repo.store.Unsubscribe(key)
}
