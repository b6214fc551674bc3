package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:  2 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   60 * time.Second,
	}

	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{name: "first attempt", attempts: 1, want: 2 * time.Second},
		{name: "second attempt", attempts: 2, want: 4 * time.Second},
		{name: "third attempt", attempts: 3, want: 8 * time.Second},
		{name: "fourth attempt", attempts: 4, want: 16 * time.Second},
		{name: "fifth attempt", attempts: 5, want: 32 * time.Second},
		{name: "sixth attempt capped", attempts: 6, want: 60 * time.Second},
		{name: "far past cap", attempts: 50, want: 60 * time.Second},
		{name: "zero attempts treated as first", attempts: 0, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Delay(tt.attempts))
		})
	}
}

func TestRetryPolicy_DelayIsNonDecreasing(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 1.7,
		MaxDelay:   2 * time.Minute,
	}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 100; attempts++ {
		d := policy.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev, "delay decreased at attempt %d", attempts)
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}
}

func TestRetryPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var policy RetryPolicy

	assert.Equal(t, DefaultBaseDelay, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, DefaultMaxDelay, policy.Delay(1000))
}
