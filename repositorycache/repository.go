package repositorycache

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/debounce"
	"github.com/goliatone/go-query-cache/fetch"
	"github.com/goliatone/go-query-cache/mutation"
	"github.com/goliatone/go-query-cache/query"
	"github.com/goliatone/go-query-cache/store"
)

// CachedRepository is the view-facing surface of the cache for one entity:
// reads go through the store and fetch scheduler, writes through the
// optimistic mutation engine.
type CachedRepository[T any] struct {
	entity     string
	remote     cache.Remote[T]
	store      *store.Store
	scheduler  *fetch.Scheduler
	translator *query.Translator
	mutations  *mutation.Engine[T]
	debounce   time.Duration
	timers     debounce.AfterFunc
	logger     *slog.Logger
}

// Option configures a CachedRepository.
type Option[T any] func(*settings[T])

type settings[T any] struct {
	entity   string
	identity mutation.Identity[T]
	logger   *slog.Logger
	debounce time.Duration
	timers   debounce.AfterFunc
	queue    bool
	tempID   func() string
}

// WithEntity sets the entity name used in keys and remote calls. It defaults
// to the snake_case name of T.
func WithEntity[T any](entity string) Option[T] {
	return func(s *settings[T]) {
		if entity != "" {
			s.entity = entity
		}
	}
}

// WithIdentity sets how record ids are read and assigned.
func WithIdentity[T any](identity mutation.Identity[T]) Option[T] {
	return func(s *settings[T]) {
		s.identity = identity
	}
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(s *settings[T]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce overrides the filter debounce delay of views.
func WithDebounce[T any](delay time.Duration) Option[T] {
	return func(s *settings[T]) {
		if delay > 0 {
			s.debounce = delay
		}
	}
}

// WithDebounceTimers replaces the timer source of view debounce controllers.
func WithDebounceTimers[T any](fn debounce.AfterFunc) Option[T] {
	return func(s *settings[T]) {
		s.timers = fn
	}
}

// WithMutationQueue serialises mutations that target the same record.
func WithMutationQueue[T any](enabled bool) Option[T] {
	return func(s *settings[T]) {
		s.queue = enabled
	}
}

// WithTempID replaces the generator of temporary ids for optimistic creates.
func WithTempID[T any](fn func() string) Option[T] {
	return func(s *settings[T]) {
		s.tempID = fn
	}
}

// New creates a cached repository for remote. cfg supplies entity policies,
// the debounce delay and the mutation queue default.
func New[T any](remote cache.Remote[T], scheduler *fetch.Scheduler, cfg cache.Config, opts ...Option[T]) *CachedRepository[T] {
	s := settings[T]{
		entity:   entityName[T](),
		logger:   slog.Default(),
		debounce: cfg.DebounceDelay.Std(),
		queue:    cfg.MutationQueue,
	}
	for _, opt := range opts {
		opt(&s)
	}

	logger := s.logger.With("component", "repositorycache", "entity", s.entity)
	return &CachedRepository[T]{
		entity:     s.entity,
		remote:     remote,
		store:      scheduler.Store(),
		scheduler:  scheduler,
		translator: query.NewTranslator(cfg),
		mutations: mutation.New(scheduler, remote, s.identity,
			mutation.WithLogger(s.logger),
			mutation.WithQueue(s.queue),
			mutation.WithTempID(s.tempID),
		),
		debounce: s.debounce,
		timers:   s.timers,
		logger:   logger,
	}
}

func entityName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return toSnake(t.Name())
}

// Entity returns the entity name.
func (c *CachedRepository[T]) Entity() string { return c.entity }

// ListKey returns the cache key of a list read made with ctx.
func (c *CachedRepository[T]) ListKey(ctx context.Context, d cache.FilterDescriptor) cache.QueryKey {
	return cache.BuildKey(c.entity, cache.ScopeList, d.Normalize(), qualifiersFromContext(ctx)...)
}

// DetailKey returns the cache key of a detail read made with ctx.
func (c *CachedRepository[T]) DetailKey(ctx context.Context, id string) cache.QueryKey {
	return cache.DetailKey(c.entity, id, qualifiersFromContext(ctx)...)
}

func (c *CachedRepository[T]) listFetcher(q cache.RemoteQuery) cache.FetchFn[cache.PageResult[T]] {
	return func(ctx context.Context) (cache.PageResult[T], error) {
		rows, err := c.remote.Query(ctx, q)
		if err != nil {
			return cache.PageResult[T]{}, err
		}
		return query.ToPage(rows, q), nil
	}
}

func (c *CachedRepository[T]) detailFetcher(id string) cache.FetchFn[T] {
	return func(ctx context.Context) (T, error) {
		return c.remote.Get(ctx, c.entity, id)
	}
}

// List returns fresh data for d, waiting for the remote when the cached page
// is missing or stale. Malformed descriptors are rejected before any call.
func (c *CachedRepository[T]) List(ctx context.Context, d cache.FilterDescriptor) (cache.PageResult[T], error) {
	q, err := c.translator.ToRemote(c.entity, d)
	if err != nil {
		return cache.PageResult[T]{}, err
	}
	return fetch.EnsureFresh(ctx, c.scheduler, c.ListKey(ctx, d), c.listFetcher(q))
}

// Detail returns fresh data for the record id.
func (c *CachedRepository[T]) Detail(ctx context.Context, id string) (T, error) {
	if id == "" {
		var zero T
		return zero, cache.NewValidationError("invalid detail query", "id", "cannot be blank")
	}
	return fetch.EnsureFresh(ctx, c.scheduler, c.DetailKey(ctx, id), c.detailFetcher(id))
}

// Query is the stale-while-revalidate read for views. Cached data is returned
// immediately; when it is stale the state carries a StaleReadWarning and a
// background refetch is started. Without cached data the call waits for the
// remote. The returned error is also set on the state.
func (c *CachedRepository[T]) Query(ctx context.Context, d cache.FilterDescriptor) (cache.QueryState[cache.PageResult[T]], error) {
	q, err := c.translator.ToRemote(c.entity, d)
	if err != nil {
		return cache.QueryState[cache.PageResult[T]]{Status: cache.StatusError, Err: err}, err
	}
	return queryState(ctx, c, c.ListKey(ctx, d), c.listFetcher(q))
}

// QueryDetail is Query for a single record.
func (c *CachedRepository[T]) QueryDetail(ctx context.Context, id string) (cache.QueryState[T], error) {
	if id == "" {
		err := cache.NewValidationError("invalid detail query", "id", "cannot be blank")
		return cache.QueryState[T]{Status: cache.StatusError, Err: err}, err
	}
	return queryState(ctx, c, c.DetailKey(ctx, id), c.detailFetcher(id))
}

func queryState[T, V any](ctx context.Context, c *CachedRepository[T], key cache.QueryKey, fn cache.FetchFn[V]) (cache.QueryState[V], error) {
	state := cache.QueryState[V]{Key: key}

	if entry, ok := c.store.Read(key); ok && entry.HasData {
		data, err := cache.Decode[V](entry.Data)
		if err != nil {
			state.Status, state.Err = cache.StatusError, err
			return state, err
		}
		state.Data, state.HasData = data, true
		state.Status, state.Err = entry.Status, entry.Err
		state.FetchedAt = entry.FetchedAt

		now := c.store.Now()
		if entry.IsStale(now) || entry.Status == cache.StatusError {
			c.store.SetFetcher(key, func(ctx context.Context) (any, error) { return fn(ctx) })
			if entry.Status != cache.StatusLoading && c.scheduler.Revalidate(key) {
				state.Status = cache.StatusLoading
			}
			state.Warning = &cache.StaleReadWarning{Key: key, StaleAt: entry.StaleAt, FetchedAt: entry.FetchedAt}
		}
		return state, nil
	}

	data, err := fetch.EnsureFresh(ctx, c.scheduler, key, fn)
	if err != nil {
		state.Status, state.Err = cache.StatusError, err
		return state, err
	}
	state.Data, state.HasData, state.Status = data, true, cache.StatusSuccess
	if entry, ok := c.store.Read(key); ok {
		state.FetchedAt = entry.FetchedAt
	}
	return state, nil
}

// Mutate runs intent through the optimistic mutation engine. Missing entity
// and target key are filled from the repository and ctx qualifiers.
func (c *CachedRepository[T]) Mutate(ctx context.Context, intent cache.MutationIntent[T]) (T, error) {
	if intent.Entity == "" {
		intent.Entity = c.entity
	}
	if intent.TargetKey.IsZero() && intent.ID != "" {
		intent.TargetKey = c.DetailKey(ctx, intent.ID)
	}
	return c.mutations.Mutate(ctx, intent)
}

// Create inserts record, showing it first in cached lists until confirmed.
func (c *CachedRepository[T]) Create(ctx context.Context, record T) (T, error) {
	return c.Mutate(ctx, cache.MutationIntent[T]{Kind: cache.MutationCreate, Record: record})
}

// Update applies patch to the record id, optimistically in every cached list
// and in its detail entry.
func (c *CachedRepository[T]) Update(ctx context.Context, id string, patch func(T) T) (T, error) {
	return c.Mutate(ctx, cache.MutationIntent[T]{Kind: cache.MutationUpdate, ID: id, Patch: patch})
}

// Replace stores record as the new version of id.
func (c *CachedRepository[T]) Replace(ctx context.Context, id string, record T) (T, error) {
	return c.Mutate(ctx, cache.MutationIntent[T]{Kind: cache.MutationUpdate, ID: id, Record: record})
}

// Delete removes the record id.
func (c *CachedRepository[T]) Delete(ctx context.Context, id string) error {
	_, err := c.Mutate(ctx, cache.MutationIntent[T]{Kind: cache.MutationDelete, ID: id})
	return err
}

// Invalidate marks every cached key of the entity stale and refetches the
// subscribed ones in the background.
func (c *CachedRepository[T]) Invalidate() []cache.QueryKey {
	keys := c.scheduler.InvalidatePrefix(cache.EntityPrefix(c.entity))
	c.logger.Debug("invalidated entity", "refetch", len(keys))
	return keys
}
