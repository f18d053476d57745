package cache

import (
	"context"
	"time"
)

// FetchFn is the function signature the scheduler expects when fetching from
// the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// Operator is the comparison a Predicate applies.
type Operator string

const (
	OpEq       Operator = "eq"
	OpIn       Operator = "in"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains" // case-insensitive substring on Field
	OpSearch   Operator = "search"   // case-insensitive substring on any of Fields
)

// Predicate is one condition of a remote query. Predicates are combined with AND.
type Predicate struct {
	Field  string   `json:"field,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Op     Operator `json:"op"`
	Values []any    `json:"values"`
}

// Value returns the first value of the predicate, nil when there is none.
func (p Predicate) Value() any {
	if len(p.Values) == 0 {
		return nil
	}
	return p.Values[0]
}

// RemoteQuery is the shape handed to a QuerySource: entity, predicates, sort
// and a zero-based offset window.
type RemoteQuery struct {
	Entity     string      `json:"entity"`
	Predicates []Predicate `json:"predicates"`
	Sort       Sort        `json:"sort"`
	Offset     int         `json:"offset"`
	Limit      int         `json:"limit"`
}

// Window returns the inclusive zero-based index range [from, to] requested.
func (q RemoteQuery) Window() (from, to int) {
	return q.Offset, q.Offset + q.Limit - 1
}

// Rows is the raw answer of a list query before it is shaped into a page.
type Rows[T any] struct {
	Items      []T
	TotalCount int
}

// QuerySource is the remote read contract.
type QuerySource[T any] interface {
	// Query returns the items inside the window plus the total match count.
	Query(ctx context.Context, q RemoteQuery) (Rows[T], error)
	// Get returns a single record; a missing record yields an error for which
	// IsNotFound reports true.
	Get(ctx context.Context, entity, id string) (T, error)
}

// MutationSink is the remote write contract.
type MutationSink[T any] interface {
	Insert(ctx context.Context, entity string, record T) (T, error)
	Update(ctx context.Context, entity, id string, record T) (T, error)
	Delete(ctx context.Context, entity, id string) error
}

// Remote bundles both remote contracts.
type Remote[T any] interface {
	QuerySource[T]
	MutationSink[T]
}

// Clock abstracts time so stale and gc deadlines can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Decode converts cached data back to T.
func Decode[T any](data any) (T, error) {
	var zero T
	if data == nil {
		return zero, nil
	}
	typed, ok := data.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
