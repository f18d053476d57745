// Package bunrepo implements the remote query and mutation contracts on top
// of a go-repository-bun Repository, translating remote queries into bun
// select criteria.
package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"

	"github.com/goliatone/go-query-cache/cache"
	"github.com/goliatone/go-query-cache/mutation"
	"github.com/goliatone/go-query-cache/realtime"
)

// Remote serves one entity from a SQL table.
type Remote[T any] struct {
	repo      repository.Repository[T]
	entity    string
	columns   map[string]string
	idColumn  string
	identity  mutation.Identity[T]
	publisher realtime.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Remote.
type Option[T any] func(*Remote[T])

// WithColumns maps query field names to column names. Unmapped fields are
// used as column names.
func WithColumns[T any](columns map[string]string) Option[T] {
	return func(r *Remote[T]) {
		for field, col := range columns {
			r.columns[field] = col
		}
	}
}

// WithIDColumn sets the primary key column used as the sort tie-breaker.
func WithIDColumn[T any](col string) Option[T] {
	return func(r *Remote[T]) {
		if col != "" {
			r.idColumn = col
		}
	}
}

// WithIdentity sets how record ids are read and assigned.
func WithIdentity[T any](identity mutation.Identity[T]) Option[T] {
	return func(r *Remote[T]) {
		r.identity = identity
	}
}

// WithPublisher announces every successful write as a change event.
func WithPublisher[T any](p realtime.Publisher) Option[T] {
	return func(r *Remote[T]) {
		r.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(r *Remote[T]) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a remote for entity backed by repo.
func New[T any](repo repository.Repository[T], entity string, opts ...Option[T]) *Remote[T] {
	r := &Remote[T]{
		repo:     repo,
		entity:   entity,
		columns:  make(map[string]string),
		idColumn: "id",
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.identity.ID == nil || r.identity.WithID == nil {
		fallback := mutation.ReflectIdentity[T]()
		if r.identity.ID == nil {
			r.identity.ID = fallback.ID
		}
		if r.identity.WithID == nil {
			r.identity.WithID = fallback.WithID
		}
	}
	r.logger = r.logger.With("component", "bunrepo", "entity", entity)
	return r
}

func (r *Remote[T]) checkEntity(entity string) error {
	if entity != r.entity {
		return cache.NewValidationError("entity mismatch", "entity",
			fmt.Sprintf("remote serves %q, got %q", r.entity, entity))
	}
	return nil
}

func (r *Remote[T]) external(err error, op string) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, fmt.Sprintf("%s %s failed", op, r.entity))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || cache.IsNotFound(err)
}

// Query implements cache.QuerySource.
func (r *Remote[T]) Query(ctx context.Context, q cache.RemoteQuery) (cache.Rows[T], error) {
	if err := r.checkEntity(q.Entity); err != nil {
		return cache.Rows[T]{}, err
	}
	criteria, err := r.criteria(q)
	if err != nil {
		return cache.Rows[T]{}, err
	}

	records, total, err := r.repo.List(ctx, criteria...)
	if err != nil {
		return cache.Rows[T]{}, r.external(err, "list")
	}
	r.logger.Debug("remote query", "predicates", len(q.Predicates), "rows", len(records), "total", total)
	return cache.Rows[T]{Items: records, TotalCount: total}, nil
}

// Get implements cache.QuerySource.
func (r *Remote[T]) Get(ctx context.Context, entity, id string) (T, error) {
	var zero T
	if err := r.checkEntity(entity); err != nil {
		return zero, err
	}
	record, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return zero, cache.NotFound(entity, id)
		}
		return zero, r.external(err, "get")
	}
	return record, nil
}

// Insert implements cache.MutationSink. Records without an id get a new uuid.
func (r *Remote[T]) Insert(ctx context.Context, entity string, record T) (T, error) {
	var zero T
	if err := r.checkEntity(entity); err != nil {
		return zero, err
	}
	if r.identity.ID(record) == "" {
		record = r.identity.WithID(record, uuid.NewString())
	}

	created, err := r.repo.Create(ctx, record)
	if err != nil {
		return zero, r.external(err, "create")
	}
	r.publish(ctx, realtime.OpInsert, r.identity.ID(created))
	return created, nil
}

// Update implements cache.MutationSink.
func (r *Remote[T]) Update(ctx context.Context, entity, id string, record T) (T, error) {
	var zero T
	if err := r.checkEntity(entity); err != nil {
		return zero, err
	}
	if got := r.identity.ID(record); got != id {
		record = r.identity.WithID(record, id)
	}

	updated, err := r.repo.Update(ctx, record)
	if err != nil {
		if isNoRows(err) {
			return zero, cache.NotFound(entity, id)
		}
		return zero, r.external(err, "update")
	}
	r.publish(ctx, realtime.OpUpdate, id)
	return updated, nil
}

// Delete implements cache.MutationSink.
func (r *Remote[T]) Delete(ctx context.Context, entity, id string) error {
	record, err := r.Get(ctx, entity, id)
	if err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, record); err != nil {
		return r.external(err, "delete")
	}
	r.publish(ctx, realtime.OpDelete, id)
	return nil
}

func (r *Remote[T]) publish(ctx context.Context, op realtime.Operation, id string) {
	if r.publisher == nil {
		return
	}
	event := realtime.ChangeEvent{Entity: r.entity, Operation: op, ID: id, At: r.now().UTC()}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("failed to publish change event", "op", string(op), "id", id, "error", err)
	}
}

var _ cache.Remote[struct{}] = (*Remote[struct{}])(nil)
