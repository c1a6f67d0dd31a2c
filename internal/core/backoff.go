package core

import (
	"math"
	"math/rand"
	"time"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

// RetryPolicy describes how failed jobs are rescheduled. Intervals use
// ISO 8601 duration strings ("PT2S", "PT5M"). BackoffStrategy is an accepted
// alias for BackoffType.
type RetryPolicy struct {
	MaxAttempts        int     `json:"max_attempts,omitempty"`
	InitialInterval    string  `json:"initial_interval,omitempty"`
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
	BackoffType        string  `json:"backoff_type,omitempty"`
	BackoffStrategy    string  `json:"backoff_strategy,omitempty"`
	MaxInterval        string  `json:"max_interval,omitempty"`
	Jitter             bool    `json:"jitter,omitempty"`
}

// DefaultRetryPolicy mirrors the configuration defaults: three attempts,
// exponential doubling from two seconds, capped at five minutes, no jitter
// so the delay sequence is monotonically non-decreasing.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    "PT2S",
		BackoffCoefficient: 2.0,
		BackoffType:        BackoffExponential,
		MaxInterval:        "PT5M",
	}
}

// CalculateBackoff returns the delay before the attempt-th retry (attempt
// starts at 1). A nil policy falls back to the defaults.
func CalculateBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if attempt < 1 {
		attempt = 1
	}

	initial := 2 * time.Second
	if policy.InitialInterval != "" {
		if d, err := ParseISO8601Duration(policy.InitialInterval); err == nil {
			initial = d
		}
	}

	strategy := policy.BackoffType
	if strategy == "" {
		strategy = policy.BackoffStrategy
	}

	var delay time.Duration
	switch strategy {
	case BackoffLinear:
		delay = time.Duration(attempt) * initial
	case BackoffConstant:
		delay = initial
	default:
		coeff := policy.BackoffCoefficient
		if coeff < 1.0 {
			coeff = 2.0
		}
		delay = time.Duration(float64(initial) * math.Pow(coeff, float64(attempt-1)))
	}

	if policy.MaxInterval != "" {
		if max, err := ParseISO8601Duration(policy.MaxInterval); err == nil && delay > max {
			delay = max
		}
	}

	if policy.Jitter {
		// 0.5x to 1.5x of the computed delay.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}

	return delay
}
