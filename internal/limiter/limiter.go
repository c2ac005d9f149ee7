package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bucket is the token bucket of one key plus the time it was last used
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key (a peer id or a source host).
// Buckets idle for longer than IdleTTL are evicted by Cleanup.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	enabled bool
	now     func() time.Time
	log     *zap.Logger
}

// NewRateLimiter builds a limiter from the admission rate-limit section.
func NewRateLimiter(cfg config.AdmissionRateLimit) *RateLimiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
		idleTTL: ttl,
		enabled: cfg.Enabled,
		now:     time.Now,
		log:     logger.New("limiter"),
	}
}

// Enabled reports whether Allow can ever refuse.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.enabled
}

// Allow takes one token for key. Empty keys and a disabled limiter are
// always allowed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() || key == "" {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		rl.log.Debug("rate limit exceeded", zap.String("key", key))
	}
	return allowed
}

// Reset forgets the bucket of key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Len is the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Cleanup removes buckets idle for longer than the TTL and returns how many
// it removed.
func (rl *RateLimiter) Cleanup() int {
	cutoff := rl.now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every half TTL until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	if !rl.Enabled() {
		return
	}
	ticker := time.NewTicker(rl.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				rl.log.Debug("evicted idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}
