package job

import (
	"math"
	"time"
)

// Default retry policy parameters
const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 24 * time.Hour
)

// RetryPolicy controls the delay before a failed job is retried.
// Each handler may supply its own policy; zero fields fall back to defaults.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the standard exponential policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the backoff delay before the next attempt, where attempts is
// the number of attempts already made (>= 1). The result is
// min(base * multiplier^(attempts-1), max) and is non-decreasing in attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	if attempts < 1 {
		attempts = 1
	}

	d := float64(base) * math.Pow(mult, float64(attempts-1))
	if d > float64(max) || math.IsInf(d, 1) {
		return max
	}
	return time.Duration(d)
}
