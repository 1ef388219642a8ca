package indexing

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential delays between retry attempts.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewBackoffPolicy builds the default policy: up to 3 attempts, 2s base,
// 60s cap.
func NewBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Allows reports whether another attempt may run after `attempts` completed
// attempts.
func (p BackoffPolicy) Allows(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempts < max
}

// Delay returns the wait before the next attempt: half the exponential value
// plus random jitter up to the other half, capped at MaxDelay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	ceil := p.MaxDelay
	if ceil <= 0 {
		ceil = 60 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(ceil) {
		delay = float64(ceil)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// QuotaDay truncates t to the UTC-day quota window boundary.
func QuotaDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
