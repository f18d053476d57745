package cache

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
)

// MutationKind is the kind of write a MutationIntent describes.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// MutationIntent describes one write. It lives only for the duration of the
// mutate call.
type MutationIntent[T any] struct {
	Kind   MutationKind
	Entity string
	// ID of the record for update and delete. For create it may be empty, in
	// which case a temporary id is used for the optimistic item.
	ID string
	// TargetKey is the detail key; defaults to DetailKey(Entity, ID).
	TargetKey QueryKey
	// AffectedScopes are the list families patched and invalidated; defaults
	// to ListPrefix(Entity).
	AffectedScopes []KeyPrefix
	// Record is the new record for create. For update it is used as base when
	// no cached copy is available.
	Record T
	// Patch applies the partial change of an update to a record.
	Patch func(T) T
}

// Validate checks the intent before anything is patched.
func (i MutationIntent[T]) Validate() error {
	err := validation.ValidateStruct(&i,
		validation.Field(&i.Kind, validation.Required, validation.In(MutationCreate, MutationUpdate, MutationDelete)),
		validation.Field(&i.Entity, validation.Required),
		validation.Field(&i.ID, validation.Required.When(i.Kind == MutationUpdate || i.Kind == MutationDelete)),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid mutation intent")
	}
	return nil
}

// WithDefaults fills TargetKey and AffectedScopes when unset.
func (i MutationIntent[T]) WithDefaults() MutationIntent[T] {
	if i.TargetKey.IsZero() && i.ID != "" {
		i.TargetKey = DetailKey(i.Entity, i.ID)
	}
	if len(i.AffectedScopes) == 0 {
		i.AffectedScopes = []KeyPrefix{ListPrefix(i.Entity)}
	}
	return i
}
