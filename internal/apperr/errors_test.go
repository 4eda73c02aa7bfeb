package apperr

import (
	"errors"
	"fmt"
	"testing"

	"economy/pkg/retry"
)

func TestErrorIsByCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", InsufficientFunds(100, 40))

	if !errors.Is(err, ErrInsufficientFunds) {
		t.Error("expected errors.Is to match by code")
	}
	if errors.Is(err, ErrInsufficientVigor) {
		t.Error("different code must not match")
	}
}

func TestAmountsAndSuggestions(t *testing.T) {
	e := InsufficientInventory("grain", 10, 3)

	if e.Required == nil || *e.Required != 10 {
		t.Errorf("expected required 10, got %v", e.Required)
	}
	if e.Available == nil || *e.Available != 3 {
		t.Errorf("expected available 3, got %v", e.Available)
	}
	if len(e.Suggestions) == 0 {
		t.Error("expected suggestions for inventory shortfall")
	}
}

func TestDomainErrorsArePermanent(t *testing.T) {
	errs := []error{
		Validation("bad"),
		QueueLimit(12),
		MarketHalted("grain"),
		NotFound("order"),
	}
	for _, err := range errs {
		if retry.IsRetryable(err) {
			t.Errorf("%v must not be retryable", err)
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{QueueLimit(12), CodeQueueLimit},
		{fmt.Errorf("wrap: %w", IdempotencyConflict("k")), CodeIdempotencyConflict},
		{errors.New("plain"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
