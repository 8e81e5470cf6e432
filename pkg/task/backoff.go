package task

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// NextEligibleAfterBackoff computes next_eligible_at := now +
// min(base*2^(attempt-1), max_cap) + jitter, per spec §4.2.
func NextEligibleAfterBackoff(now time.Time, base time.Duration, attempt int, maxCap time.Duration) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if backoff > maxCap {
		backoff = maxCap
	}
	return now.Add(backoff + jitter(backoff))
}

// NextEligibleAfterExpiry adds only a small jitter, per spec §4.2's
// requeue_on_expiry — no exponential growth, since lease expiry is not a
// failure.
func NextEligibleAfterExpiry(now time.Time) time.Time {
	return now.Add(jitter(2 * time.Second))
}

// jitter returns a uniformly random duration in [0, cap/10], capped at
// 500ms, to avoid thundering-herd requeues.
func jitter(cap time.Duration) time.Duration {
	max := cap / 10
	if max > 500*time.Millisecond {
		max = 500 * time.Millisecond
	}
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
