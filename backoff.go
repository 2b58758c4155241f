package edgebox

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

// BackoffStrategy computes the wait after a run of consecutive failures.
// failureStreak is 1 after the first failure.
type BackoffStrategy interface {
	Delay(failureStreak int) time.Duration
	CalculateNextAttempt(failureStreak int) time.Time
}

// DefaultBackoffStrategy returns exponential backoff from 1s up to 5m with jitter.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoff(defaultBaseBackoff, defaultMaxBackoff)
}

// ExponentialBackoff doubles the delay with every failure up to Max and
// scales the result by a random factor in [0.5, 1) so that many nodes
// reconnecting after the same outage do not retry in lockstep:
//
//	delay = min(Max, Base * 2^streak) * (0.5 + rand[0, 0.5))
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewExponentialBackoff returns an ExponentialBackoff with the default random source.
func NewExponentialBackoff(base, maxDelay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Max: maxDelay}
}

// Delay implements BackoffStrategy.
func (b *ExponentialBackoff) Delay(failureStreak int) time.Duration {
	if failureStreak <= 0 || b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 0; i < failureStreak; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > 1<<62 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	random := rand.Float64
	if b.Rand != nil {
		random = b.Rand
	}
	return time.Duration(float64(d) * (0.5 + random()*0.5))
}

// CalculateNextAttempt implements BackoffStrategy.
func (b *ExponentialBackoff) CalculateNextAttempt(failureStreak int) time.Time {
	return time.Now().Add(b.Delay(failureStreak))
}

// FixedBackoff waits the same duration after every failure.
type FixedBackoff struct {
	Interval time.Duration
}

// NewFixedBackoffStrategy returns a FixedBackoff.
func NewFixedBackoffStrategy(interval time.Duration) *FixedBackoff {
	return &FixedBackoff{Interval: interval}
}

// Delay implements BackoffStrategy.
func (b *FixedBackoff) Delay(failureStreak int) time.Duration {
	if failureStreak <= 0 {
		return 0
	}
	return b.Interval
}

// CalculateNextAttempt implements BackoffStrategy.
func (b *FixedBackoff) CalculateNextAttempt(failureStreak int) time.Time {
	return time.Now().Add(b.Delay(failureStreak))
}
