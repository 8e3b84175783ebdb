package dispatch

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 500 * time.Millisecond
	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = 30 * time.Second
)

// Backoff computes exponential delays with full jitter: the sleep is drawn
// uniformly from [0, min(cap, base*2^attempt)].
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the sleep before the given zero-based retry attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}

	ceiling := base
	for i := 0; i < attempt && ceiling < cap; i++ {
		ceiling *= 2
	}
	if ceiling > cap {
		ceiling = cap
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

// Sleep blocks for the attempt's delay or until done closes.
func (b Backoff) Sleep(done <-chan struct{}, attempt int) bool {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
