package lib

import (
	"math"
	"math/rand"
	"time"
)

// CalculateBackoffDuration calculates the backoff duration for a given retry count
func CalculateBackoffDuration(retryCount int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// syncBackoff spaces SYNC broadcasts while no node answers.
type syncBackoff struct {
	initial, max time.Duration
	multiplier   float64
	jitter       float64
	attempt      int
	rng          *rand.Rand
}

func newSyncBackoff(cfg *CoreConfig, rng *rand.Rand) *syncBackoff {
	maxInterval := cfg.SyncMaxInterval
	if maxInterval < cfg.SyncInterval {
		maxInterval = cfg.SyncInterval
	}
	multiplier := cfg.SyncBackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return &syncBackoff{
		initial:    cfg.SyncInterval,
		max:        maxInterval,
		multiplier: multiplier,
		jitter:     0.1,
		rng:        rng,
	}
}

// Next returns the wait before the following broadcast, with ±10% jitter.
func (b *syncBackoff) Next() time.Duration {
	d := CalculateBackoffDuration(b.attempt, b.initial, b.max, b.multiplier)
	b.attempt++
	j := time.Duration(float64(d) * b.jitter * (2*b.rng.Float64() - 1.0))
	return d + j
}

func (b *syncBackoff) Reset() {
	b.attempt = 0
}
