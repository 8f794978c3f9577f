package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/shared"
)

// bucket is a token bucket refilled on the monotonic clock.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newBucket(requestsPerMinute, burstSize int) *bucket {
	now := time.Now()
	return &bucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// take consumes a token if available; otherwise it reports how long until
// one refills.
func (b *bucket) take() (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	b.lastAccess = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}
	deficit := 1.0 - b.tokens
	return false, time.Duration(deficit / b.refillRate * float64(time.Second))
}

func (b *bucket) lastSeen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccess
}

// Limiter enforces a token bucket per (remote_ip, endpoint) plus a global
// per-endpoint bucket.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.RWMutex
	perKey  map[string]*bucket
	perEndp map[string]*bucket
}

// NewLimiter builds a limiter from the rate-limit config section.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 30
	}
	if cfg.GlobalPerMinute <= 0 {
		cfg.GlobalPerMinute = cfg.RequestsPerMinute * 5
	}
	return &Limiter{
		cfg:     cfg,
		perKey:  map[string]*bucket{},
		perEndp: map[string]*bucket{},
	}
}

// Allow consumes one token for (ip, endpoint) and the endpoint's global
// bucket. On exhaustion it returns RateLimited carrying retry_after_ms.
func (l *Limiter) Allow(ip, endpoint string) error {
	if !l.cfg.Enabled {
		return nil
	}
	per := l.bucketFor(l.perKey, ip+"|"+endpoint, l.cfg.RequestsPerMinute, l.cfg.BurstSize)
	if ok, retry := per.take(); !ok {
		return rateLimited(retry)
	}
	global := l.bucketFor(l.perEndp, endpoint, l.cfg.GlobalPerMinute, l.cfg.GlobalPerMinute/4+1)
	if ok, retry := global.take(); !ok {
		return rateLimited(retry)
	}
	return nil
}

func rateLimited(retry time.Duration) error {
	ms := retry.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return shared.E(shared.KindRateLimited, "rate limit exceeded").WithData("retry_after_ms", ms)
}

func (l *Limiter) bucketFor(pool map[string]*bucket, key string, rpm, burst int) *bucket {
	l.mu.RLock()
	b, exists := pool[key]
	l.mu.RUnlock()
	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, exists = pool[key]; exists {
		return b
	}
	b = newBucket(rpm, burst)
	pool[key] = b
	return b
}

// StartEviction drops buckets idle longer than maxAge so unique client IPs
// cannot grow memory without bound.
func (l *Limiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictStale(maxAge)
			}
		}
	}()
}

func (l *Limiter) evictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, b := range l.perKey {
		if b.lastSeen().Before(cutoff) {
			delete(l.perKey, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.perKey))
	}
}

// BucketCount returns the number of tracked per-key buckets.
func (l *Limiter) BucketCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.perKey)
}
