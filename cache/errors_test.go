package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")
	key := DetailKey("lead", "1")

	fetchErr := NewTransientFetchError(key, 4, cause)
	if !IsTransientFetch(fetchErr) {
		t.Errorf("expected transient fetch category")
	}
	if !errors.Is(fetchErr, cause) {
		t.Errorf("expected transient fetch error to wrap its cause")
	}
	if fetchErr.Metadata["key"] != key.String() {
		t.Errorf("expected key metadata but got %v", fetchErr.Metadata)
	}

	mutErr := NewMutationError(MutationUpdate, "lead", "1", NotFound("lead", "1"))
	if !IsMutation(mutErr) {
		t.Errorf("expected mutation category")
	}
	if !IsNotFound(mutErr) {
		t.Errorf("expected not found to be visible through the mutation error")
	}
	if IsTransientFetch(mutErr) {
		t.Errorf("mutation error must not report as transient fetch")
	}

	valErr := NewValidationError("bad descriptor", "page", "must be positive")
	if !IsValidation(valErr) {
		t.Errorf("expected validation category")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: true},
		{name: "context canceled", err: fmt.Errorf("wrapped: %w", context.Canceled), want: false},
		{name: "not found", err: NotFound("task", "9"), want: false},
		{name: "validation", err: NewValidationError("bad", "limit", "required"), want: false},
		{name: "retryable says no", err: goerrors.NewNonRetryable("nope", goerrors.CategoryExternal), want: false},
		{name: "retryable says yes", err: goerrors.NewRetryable("try again", goerrors.CategoryExternal), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
