package cache

import (
	"context"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// Error categories specific to the query cache.
const (
	CategoryTransientFetch goerrors.Category = "transient_fetch"
	CategoryMutation       goerrors.Category = "mutation"
)

var (
	// ErrNotFound is returned by remote sources when a record does not exist.
	ErrNotFound = goerrors.New("record not found", goerrors.CategoryNotFound)

	// ErrInvalidResultType is returned when cached data cannot be converted to
	// the requested type.
	ErrInvalidResultType = goerrors.New("cached value has unexpected type", goerrors.CategoryInternal)
)

// NewTransientFetchError wraps the last fetch failure after retries are
// exhausted.
func NewTransientFetchError(key QueryKey, attempts int, cause error) *goerrors.Error {
	err := goerrors.New(fmt.Sprintf("fetch failed after %d attempts", attempts), CategoryTransientFetch).
		WithTextCode("TRANSIENT_FETCH").
		WithMetadata(map[string]any{
			"key":      key.String(),
			"attempts": attempts,
		})
	err.Source = cause
	return err
}

// NewMutationError wraps a failed write. It is always surfaced to the caller
// after rollback.
func NewMutationError(kind MutationKind, entity, id string, cause error) *goerrors.Error {
	err := goerrors.New(fmt.Sprintf("%s %s failed", kind, entity), CategoryMutation).
		WithTextCode("MUTATION_FAILED").
		WithMetadata(map[string]any{
			"kind":   string(kind),
			"entity": entity,
			"id":     id,
		})
	err.Source = cause
	return err
}

// NewValidationError builds a validation error for a single field.
func NewValidationError(message, field, reason string) *goerrors.Error {
	return goerrors.NewValidation(message, goerrors.FieldError{Field: field, Message: reason})
}

// NotFound builds a not-found error for entity/id wrapping ErrNotFound.
func NotFound(entity, id string) *goerrors.Error {
	err := goerrors.New(fmt.Sprintf("%s %q not found", entity, id), goerrors.CategoryNotFound).
		WithMetadata(map[string]any{"entity": entity, "id": id})
	err.Source = ErrNotFound
	return err
}

// IsTransientFetch reports whether err is a fetch failure surfaced after retries.
func IsTransientFetch(err error) bool { return goerrors.IsCategory(err, CategoryTransientFetch) }

// IsMutation reports whether err is a mutation failure.
func IsMutation(err error) bool { return goerrors.IsCategory(err, CategoryMutation) }

// IsValidation reports whether err is a validation failure anywhere in the chain.
func IsValidation(err error) bool { return goerrors.HasCategory(err, goerrors.CategoryValidation) }

// IsNotFound reports whether err signals a missing record anywhere in the chain.
func IsNotFound(err error) bool {
	return goerrors.Is(err, ErrNotFound) || goerrors.HasCategory(err, goerrors.CategoryNotFound)
}

// IsRetryable decides whether a fetch failure should be retried. Validation,
// not-found and context errors are final; go-errors RetryableError values
// decide for themselves; anything else is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, context.Canceled) || goerrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retryable *goerrors.RetryableError
	if goerrors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	if IsValidation(err) || IsNotFound(err) {
		return false
	}
	return true
}
