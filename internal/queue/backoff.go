package queue

import (
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultInitialDelay is the base retry delay
	DefaultInitialDelay = time.Second

	// DefaultMaxDelay caps every retry delay
	DefaultMaxDelay = time.Hour

	jitterMin = 0.8
	jitterMax = 1.2
)

// Backoff computes exponential retry delays with multiplicative jitter:
// min(Initial * 2^retryCount * U(0.8, 1.2), Max).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	jitter func() float64
}

// NewBackoff creates a backoff. Zero values select the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Backoff{Initial: initial, Max: max, jitter: randomJitter}
}

// SetJitter replaces the jitter source (tests). f must return a value in
// [0.8, 1.2] and must be set before the backoff is shared.
func (b *Backoff) SetJitter(f func() float64) {
	b.jitter = f
}

// randomJitter draws from the runtime's auto-seeded, concurrency-safe source.
func randomJitter() float64 {
	return jitterMin + rand.Float64()*(jitterMax-jitterMin)
}

// Delay returns the wait before the attempt following retryCount failures
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	d := float64(b.Initial) * math.Pow(2, float64(retryCount)) * b.jitter()
	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}
