package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestBucket_Allow(t *testing.T) {
	now := time.Now()
	bucket := NewBucket(Config{RequestsPerMinute: 60, BurstSize: 5}, now)

	// Should allow burst size requests
	for i := 0; i < 5; i++ {
		if !bucket.Allow(now) {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Next request should be denied
	if bucket.Allow(now) {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	now := time.Now()
	bucket := NewBucket(Config{RequestsPerMinute: 60, BurstSize: 2}, now)
	bucket.Allow(now)
	bucket.Allow(now)
	if bucket.Allow(now) {
		t.Error("should be denied after exhausting tokens")
	}

	// 60/min refills one token per second.
	if !bucket.Allow(now.Add(time.Second)) {
		t.Error("should be allowed after refill")
	}
	if got := bucket.Tokens(now.Add(time.Hour)); got != 2 {
		t.Errorf("tokens after long idle = %v, want capped at 2", got)
	}
}

func TestBucket_ZeroConfig_UsesDefaults(t *testing.T) {
	now := time.Now()
	bucket := NewBucket(Config{}, now)
	if got := bucket.Tokens(now); got != 60 {
		t.Errorf("default burst = %v, want 60", got)
	}
}

func TestLimiter_BlocksAfterLimit(t *testing.T) {
	c := newClock()
	l := NewLimiter(Config{RequestsPerMinute: 3, BlockDuration: 10 * time.Minute, Enabled: true}, WithNow(c.now))

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request over the limit should be refused")
	}
	if !l.Blocked("10.0.0.1") || l.BlockedCount() != 1 {
		t.Fatal("key should be blocked")
	}

	// Tokens refill during the block but the key stays refused.
	c.advance(5 * time.Minute)
	if l.Allow("10.0.0.1") {
		t.Fatal("blocked key allowed before block expired")
	}

	// Other keys are unaffected.
	if !l.Allow("10.0.0.2") {
		t.Fatal("other key should be allowed")
	}

	c.advance(5*time.Minute + time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("key should be allowed after block expired")
	}
	if l.BlockedCount() != 0 {
		t.Fatalf("BlockedCount() = %d, want 0", l.BlockedCount())
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, Enabled: false})
	for i := 0; i < 100; i++ {
		if !l.Allow("key") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestLimiter_Reset(t *testing.T) {
	c := newClock()
	l := NewLimiter(Config{RequestsPerMinute: 1, Enabled: true}, WithNow(c.now))
	l.Allow("key")
	if l.Allow("key") {
		t.Fatal("second request should be refused")
	}
	l.Reset("key")
	if !l.Allow("key") {
		t.Fatal("request after reset should be allowed")
	}
}

func TestLimiter_Sweep(t *testing.T) {
	c := newClock()
	l := NewLimiter(Config{RequestsPerMinute: 1, BlockDuration: time.Minute, Enabled: true}, WithNow(c.now))
	l.Allow("a")
	l.Allow("a") // blocked
	l.Allow("b")

	c.advance(2 * time.Minute)
	l.Sweep()
	if l.Keys() != 0 {
		t.Fatalf("Keys() = %d after sweep, want 0", l.Keys())
	}
	if l.BlockedCount() != 0 {
		t.Fatalf("BlockedCount() = %d after sweep, want 0", l.BlockedCount())
	}
}

func TestLimiter_ManyKeys_PrunesInactive(t *testing.T) {
	c := newClock()
	l := NewLimiter(Config{RequestsPerMinute: 60, Enabled: true}, WithNow(c.now))
	l.maxKeys = 10

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}
	c.advance(time.Minute)
	l.Allow("key-new")
	if l.Keys() != 1 {
		t.Fatalf("Keys() = %d, want idle keys pruned", l.Keys())
	}
}
