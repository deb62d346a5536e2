package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_TimeGoingBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(-time.Hour)
	if b.Allow(1) {
		t.Fatalf("expected no refill when the clock moves backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill once time moves forward again")
	}
}

func TestPerSecond(t *testing.T) {
	if b := PerSecond(nil, 0); b != nil {
		t.Fatalf("PerSecond(0)=%v, want nil", b)
	}
	var unlimited *TokenBucket
	for i := 0; i < 1000; i++ {
		if !unlimited.Allow(1) {
			t.Fatalf("nil bucket rejected message %d", i)
		}
	}

	clk := &fakeClock{now: time.Unix(0, 0)}
	b := PerSecond(clk, 3)
	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("expected burst message %d to pass", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("expected fourth message in the same instant to be rejected")
	}
	clk.Advance(400 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected one message after 400ms")
	}
}
