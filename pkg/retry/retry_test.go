package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================
// Do
// ============================================================

func fastConfig(n int) Config {
	return Config{
		MaxRetries:   n,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.5,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("conflict")
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("still failing")
	err := Do(context.Background(), func() error {
		calls++
		return sentinel
	}, fastConfig(3))

	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.RetryIf = IsRetryable
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errors.New("insufficient funds"))
	}, cfg)

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error must not be retried, got %d calls", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	_ = Do(context.Background(), func() error { return errors.New("x") }, cfg)

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected OnRetry attempts: %v", attempts)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return nil
	}, fastConfig(3))

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("operation must not run on cancelled context, got %d calls", calls)
	}
}

// domainErr - доменная ошибка, отказывающаяся от повтора
type domainErr struct{}

func (domainErr) Error() string   { return "insufficient vigor" }
func (domainErr) Retryable() bool { return false }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("io"), true},
		{"permanent", Permanent(errors.New("bad")), false},
		{"temporary", Temporary(errors.New("timeout")), true},
		{"temporary wrapping permanent", Temporary(Permanent(errors.New("x"))), true},
		{"nil wraps stay nil", Temporary(nil), false},
		{"domain", domainErr{}, false},
		{"wrapped domain", errors.Join(errors.New("ctx"), domainErr{}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryIfNotContext(t *testing.T) {
	if RetryIfNotContext(context.Canceled) {
		t.Error("context.Canceled must not be retried")
	}
	if RetryIfNotContext(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded must not be retried")
	}
	if !RetryIfNotContext(errors.New("other")) {
		t.Error("other errors should be retried")
	}
}

// ============================================================
// Backoff
// ============================================================

func TestTxConfig(t *testing.T) {
	cfg := TxConfig()
	if cfg.MaxRetries < 2 {
		t.Errorf("tx config should allow retries, got %d", cfg.MaxRetries)
	}
	if cfg.MaxDelay > time.Second {
		t.Errorf("tx retry delay too large: %v", cfg.MaxDelay)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	cfg.normalize()

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for attempt, d := range want {
		if got := cfg.backoff(attempt); got != d {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, d)
		}
	}

	cfg.JitterFactor = 0.5
	for i := 0; i < 100; i++ {
		if got := cfg.backoff(0); got < 5*time.Millisecond || got > 15*time.Millisecond {
			t.Fatalf("jittered delay %v outside [5ms, 15ms]", got)
		}
	}
}
