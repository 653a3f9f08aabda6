package backend

import (
	"math/rand/v2"
	"time"
)

const jitterFraction = 0.2

// Backoff computes reconnect delays: base × 2^attempt capped at Max, then ±20% jitter
// clamped to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// random returns a value in [0, 1). Replaced in tests.
	random func() float64
}

// NewBackoff creates a backoff with the given base and cap.
func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Max: maxDelay, random: rand.Float64}
}

// BaseDelay returns the delay for an attempt before jitter.
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns the jittered delay for an attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.BaseDelay(attempt)
	random := b.random
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + jitterFraction*(2*random()-1)
	jittered := time.Duration(float64(d) * factor)
	if jittered > b.Max {
		return b.Max
	}
	return jittered
}
