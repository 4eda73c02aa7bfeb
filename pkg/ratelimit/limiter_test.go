package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// ============================================================
// RateLimiter
// ============================================================

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	clk := newClock()
	rl := newRateLimiter(2, 4, clk.Now)

	for i := 0; i < 4; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow() {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	clk := newClock()
	rl := newRateLimiter(2, 2, clk.Now)

	rl.Allow()
	rl.Allow()
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	clk.Advance(500 * time.Millisecond) // +1 токен
	if !rl.Allow() {
		t.Error("token should be refilled after 500ms at 2 req/s")
	}
	if rl.Allow() {
		t.Error("only one token should be refilled")
	}
}

func TestRateLimiter_RefillCappedByBurst(t *testing.T) {
	clk := newClock()
	rl := newRateLimiter(10, 5, clk.Now)

	clk.Advance(time.Hour)
	if got := rl.Tokens(); got != 10 {
		// burst < rate поднимается до rate
		t.Errorf("expected tokens capped at 10, got %v", got)
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	clk := newClock()
	rl := newRateLimiter(1, 1, clk.Now)

	if d := rl.RetryAfter(); d != 0 {
		t.Errorf("expected 0 with full bucket, got %v", d)
	}
	rl.Allow()
	if d := rl.RetryAfter(); d != time.Second {
		t.Errorf("expected 1s, got %v", d)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.Rate() != 10 {
		t.Errorf("expected default rate 10, got %v", rl.Rate())
	}
	if rl.Burst() != 20 {
		t.Errorf("expected default burst 20, got %v", rl.Burst())
	}
}

// ============================================================
// KeyedLimiter
// ============================================================

func TestKeyedLimiter_IndependentKeys(t *testing.T) {
	kl := NewKeyedLimiter(1, 1)

	if !kl.Allow("actor-1") {
		t.Fatal("first request for actor-1 should pass")
	}
	if kl.Allow("actor-1") {
		t.Error("second request for actor-1 should be limited")
	}
	if !kl.Allow("actor-2") {
		t.Error("actor-2 has its own bucket")
	}
	if kl.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", kl.Len())
	}
}

func TestKeyedLimiter_Sweep(t *testing.T) {
	clk := newClock()
	kl := NewKeyedLimiter(1, 1)
	kl.now = clk.Now

	kl.Allow("a")
	clk.Advance(30 * time.Second)
	kl.Allow("b")

	clk.Advance(40 * time.Second)
	// a: простаивает 70s, b: 40s
	if removed := kl.Sweep(time.Minute); removed != 1 {
		t.Errorf("expected 1 removed key, got %d", removed)
	}
	if kl.Len() != 1 {
		t.Errorf("expected 1 remaining key, got %d", kl.Len())
	}
}
