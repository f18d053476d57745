// Package mutation applies writes optimistically: affected cache entries are
// snapshotted, patched before the remote call and either confirmed and
// invalidated or rolled back when the remote call fails.
package mutation

import (
	"context"
	"log/slog"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/fetch"
	"github.com/goliatone/go-query-cache/store"
)

// TempIDPrefix marks ids assigned to optimistic creates.
const TempIDPrefix = "tmp-"

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	queue  bool
	tempID func() string
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithQueue serialises mutations that share a detail key. Without it
// overlapping mutations are not sequenced and the last to confirm wins.
func WithQueue(enabled bool) Option {
	return func(o *options) {
		o.queue = enabled
	}
}

// WithTempID replaces the generator of temporary ids for creates.
func WithTempID(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.tempID = fn
		}
	}
}

func defaultTempID() string { return TempIDPrefix + uuid.NewString() }

// Engine runs mutations for records of type T. List entries are expected to
// hold cache.PageResult[T] or []T; detail entries hold T.
type Engine[T any] struct {
	store     *store.Store
	scheduler *fetch.Scheduler
	sink      cache.MutationSink[T]
	identity  Identity[T]
	logger    *slog.Logger
	queue     bool
	tempID    func() string
	locks     *xsync.MapOf[string, *sync.Mutex]
}

// New creates an engine writing through sink. Zero identity functions fall
// back to ReflectIdentity.
func New[T any](scheduler *fetch.Scheduler, sink cache.MutationSink[T], identity Identity[T], opts ...Option) *Engine[T] {
	o := options{logger: slog.Default(), tempID: defaultTempID}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[T]{
		store:     scheduler.Store(),
		scheduler: scheduler,
		sink:      sink,
		identity:  identity.complete(),
		logger:    o.logger.With("component", "mutation"),
		queue:     o.queue,
		tempID:    o.tempID,
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Identity returns the id accessors used by the engine.
func (e *Engine[T]) Identity() Identity[T] { return e.identity }

// run carries the state of one Mutate call. patched maps each patched key to
// the data version the patch produced.
type run[T any] struct {
	intent  cache.MutationIntent[T]
	snap    *store.Snapshot
	patched map[string]uint64
	item    T
	itemID  string
	logger  *slog.Logger
}

// Mutate applies intent optimistically, calls the remote and then confirms
// or rolls back. Failures are returned as mutation errors after every patched
// entry has been restored.
func (e *Engine[T]) Mutate(ctx context.Context, intent cache.MutationIntent[T]) (T, error) {
	var zero T
	if err := intent.Validate(); err != nil {
		return zero, err
	}
	intent = intent.WithDefaults()

	if e.queue && !intent.TargetKey.IsZero() {
		unlock := e.lock(intent.TargetKey)
		defer unlock()
	}

	r := &run[T]{
		intent:  intent,
		patched: make(map[string]uint64),
		logger: e.logger.With(
			"mutation_id", uuid.NewString(),
			"kind", string(intent.Kind),
			"entity", intent.Entity,
			"id", intent.ID,
		),
	}

	r.snap = e.store.Snapshot([]cache.QueryKey{intent.TargetKey}, intent.AffectedScopes...)
	e.prepare(r)
	e.applyOptimistic(r)
	r.logger.Debug("optimistic patch applied", "entries", len(r.patched))

	confirmed, err := e.callRemote(ctx, r)
	if err != nil {
		restored := e.store.Restore(r.snap, r.patched)
		mutErr := cache.NewMutationError(intent.Kind, intent.Entity, intent.ID, err)
		r.logger.LogAttrs(ctx, slog.LevelWarn, "mutation rolled back",
			append(goerrors.ToSlogAttributes(mutErr), slog.Int("restored", len(restored)))...)
		return zero, mutErr
	}

	e.confirm(r, confirmed)
	return confirmed, nil
}

func (e *Engine[T]) lock(key cache.QueryKey) func() {
	mu, _ := e.locks.LoadOrCompute(key.String(), func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// prepare computes the optimistic record.
func (e *Engine[T]) prepare(r *run[T]) {
	intent := r.intent
	switch intent.Kind {
	case cache.MutationCreate:
		item := intent.Record
		if e.identity.ID(item) == "" {
			item = e.identity.WithID(item, e.tempID())
		}
		r.item = item
		r.itemID = e.identity.ID(item)

	case cache.MutationUpdate:
		base, ok := e.cachedRecord(r)
		if !ok {
			base = intent.Record
		}
		item := base
		if intent.Patch != nil {
			item = intent.Patch(e.identity.Clone(base))
		} else if ok {
			item = intent.Record
		}
		if e.identity.ID(item) == "" {
			item = e.identity.WithID(item, intent.ID)
		}
		r.item = item
		r.itemID = intent.ID

	case cache.MutationDelete:
		r.itemID = intent.ID
	}
}

// cachedRecord finds the current version of the record, first in the detail
// entry, then in any captured list entry.
func (e *Engine[T]) cachedRecord(r *run[T]) (T, bool) {
	var zero T
	if data, ok := r.snap.Data(r.intent.TargetKey); ok {
		if rec, ok := data.(T); ok {
			return rec, true
		}
	}
	for _, key := range r.snap.Keys() {
		data, ok := r.snap.Data(key)
		if !ok {
			continue
		}
		items, ok := listItems[T](data)
		if !ok {
			continue
		}
		for _, item := range items {
			if e.identity.ID(item) == r.intent.ID {
				return item, true
			}
		}
	}
	return zero, false
}

func (e *Engine[T]) applyOptimistic(r *run[T]) {
	for _, key := range r.snap.Keys() {
		var fn store.PatchFunc
		if key.Equal(r.intent.TargetKey) {
			if r.intent.Kind != cache.MutationUpdate {
				continue
			}
			fn = e.replaceDetail(r.item)
		} else {
			fn = e.patchList(r)
		}
		if version, ok := e.store.Patch(key, fn); ok {
			r.patched[key.String()] = version
		}
	}
}

func (e *Engine[T]) replaceDetail(item T) store.PatchFunc {
	return func(data any) (any, bool) {
		if _, ok := data.(T); !ok {
			return data, false
		}
		return item, true
	}
}

func (e *Engine[T]) patchList(r *run[T]) store.PatchFunc {
	return func(data any) (any, bool) {
		return editList[T](data, func(items []T, page int) ([]T, int, bool) {
			switch r.intent.Kind {
			case cache.MutationCreate:
				if page > 1 {
					return items, 0, false
				}
				return prepend(items, r.item), 1, true
			case cache.MutationUpdate:
				return replaceItem(items, e.identity.ID, r.itemID, r.item)
			case cache.MutationDelete:
				return removeItem(items, e.identity.ID, r.itemID)
			}
			return items, 0, false
		})
	}
}

func (e *Engine[T]) callRemote(ctx context.Context, r *run[T]) (T, error) {
	intent := r.intent
	switch intent.Kind {
	case cache.MutationCreate:
		return e.sink.Insert(ctx, intent.Entity, intent.Record)
	case cache.MutationUpdate:
		return e.sink.Update(ctx, intent.Entity, intent.ID, r.item)
	default:
		var zero T
		return zero, e.sink.Delete(ctx, intent.Entity, intent.ID)
	}
}

// confirm reconciles optimistic items with the persisted record, writes the
// detail entry and invalidates the affected scopes in the background.
func (e *Engine[T]) confirm(r *run[T], confirmed T) {
	intent := r.intent

	switch intent.Kind {
	case cache.MutationCreate:
		for _, key := range r.snap.Keys() {
			version, ok := r.patched[key.String()]
			if !ok || key.Equal(intent.TargetKey) {
				continue
			}
			e.store.PatchIf(key, version, func(data any) (any, bool) {
				return editList[T](data, func(items []T, _ int) ([]T, int, bool) {
					return replaceItem(items, e.identity.ID, r.itemID, confirmed)
				})
			})
		}
		if id := e.identity.ID(confirmed); id != "" {
			e.store.Write(cache.DetailKey(intent.Entity, id), confirmed)
		}

	case cache.MutationUpdate:
		e.store.Write(intent.TargetKey, confirmed)

	case cache.MutationDelete:
		if err := e.store.Remove(intent.TargetKey); err != nil {
			e.store.MarkStale(intent.TargetKey)
		}
	}

	refetch := e.scheduler.InvalidatePrefix(intent.AffectedScopes...)
	r.logger.Debug("mutation confirmed", "refetch", len(refetch))
}
