// Package ratelimit limits HTTP requests per client and temporarily blocks
// clients that exceed the limit.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerMinute is the sustained request rate allowed per key.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// BurstSize is the maximum number of requests allowed in a burst.
	// Defaults to RequestsPerMinute.
	BurstSize int `yaml:"burst_size"`
	// BlockDuration is how long a key stays blocked after exceeding the limit.
	BlockDuration time.Duration `yaml:"block_duration"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         60,
		BlockDuration:     10 * time.Minute,
		Enabled:           true,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.BurstSize <= 0 {
		c.BurstSize = c.RequestsPerMinute
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 10 * time.Minute
	}
	return c
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a full token bucket.
func NewBucket(config Config, now time.Time) *Bucket {
	config = config.withDefaults()
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: float64(config.RequestsPerMinute) / 60,
		lastRefill: now,
	}
}

// Allow consumes a token if one is available at now.
func (b *Bucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the number of available tokens at now.
func (b *Bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens
}

// Limiter manages buckets and blocks for many keys, usually client IPs.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	blocked map[string]time.Time
	config  Config
	maxKeys int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*Bucket),
		blocked: make(map[string]time.Time),
		config:  config.withDefaults(),
		maxKeys: 10000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a request for key may proceed. A key that runs out of
// tokens is blocked for the block duration; every request during the block is
// refused.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blocked[key]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.blocked, key)
		delete(l.buckets, key)
	}

	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked(now)
		}
		bucket = NewBucket(l.config, now)
		l.buckets[key] = bucket
	}
	if bucket.Allow(now) {
		return true
	}
	l.blocked[key] = now.Add(l.config.BlockDuration)
	return false
}

// Blocked reports whether key is currently blocked.
func (l *Limiter) Blocked(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[key]
	return ok && now.Before(until)
}

// BlockedCount returns the number of currently blocked keys.
func (l *Limiter) BlockedCount() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, until := range l.blocked {
		if now.Before(until) {
			n++
		}
	}
	return n
}

// Reset clears the bucket and any block for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	delete(l.blocked, key)
}

// Sweep drops expired blocks and idle buckets.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
}

// pruneLocked removes expired blocks and buckets with full tokens (inactive
// keys).
func (l *Limiter) pruneLocked(now time.Time) {
	for key, until := range l.blocked {
		if !now.Before(until) {
			delete(l.blocked, key)
		}
	}
	for key, bucket := range l.buckets {
		if _, blocked := l.blocked[key]; blocked {
			continue
		}
		if bucket.Tokens(now) >= bucket.maxTokens {
			delete(l.buckets, key)
		}
	}
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
