package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is the single-process Limiter backend: one
// golang.org/x/time/rate.Limiter per key, created lazily on first use.
// Correct only within one process — use Redis when running more than one
// node behind the same facade.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	policies map[string]Policy
}

// NewMemoryLimiter builds an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets:  make(map[string]*rate.Limiter),
		policies: make(map[string]Policy),
	}
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok || m.policies[key] != policy {
		b = rate.NewLimiter(rate.Limit(float64(policy.RequestsPerMinute)/60.0), policy.Burst)
		m.buckets[key] = b
		m.policies[key] = policy
	}
	m.mu.Unlock()

	return b.AllowN(time.Now(), cost), nil
}
