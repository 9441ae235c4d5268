package lib

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RateLimiter bounds the number of datagrams handed to the transport whose
// completion has not been reported yet.
type RateLimiter struct {
	slots   chan struct{}
	peak    atomic.Int32
	waitLog time.Duration
	log     *slog.Logger
}

func NewRateLimiter(max int, log *slog.Logger) *RateLimiter {
	if max <= 0 {
		max = MaxBufferedTx
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		slots:   make(chan struct{}, max),
		waitLog: 50 * time.Millisecond,
		log:     log,
	}
}

// Acquire takes a send slot, waiting while all slots are in flight.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.TryAcquire() {
		return nil
	}
	ticker := time.NewTicker(l.waitLog)
	defer ticker.Stop()
	for {
		select {
		case l.slots <- struct{}{}:
			l.notePeak()
			return nil
		case <-ticker.C:
			l.log.Debug("rate limiter waiting", "in_flight", l.InFlight())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *RateLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.notePeak()
		return true
	default:
		return false
	}
}

// Release is the completion callback for one acquired slot.
func (l *RateLimiter) Release() {
	select {
	case <-l.slots:
	default:
		l.log.Warn("rate limiter released without a matching acquire")
	}
}

func (l *RateLimiter) InFlight() int {
	return len(l.slots)
}

func (l *RateLimiter) Max() int {
	return cap(l.slots)
}

// Peak is the highest in-flight count observed.
func (l *RateLimiter) Peak() int {
	return int(l.peak.Load())
}

func (l *RateLimiter) notePeak() {
	n := int32(len(l.slots))
	for {
		cur := l.peak.Load()
		if n <= cur || l.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}
