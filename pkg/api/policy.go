package api

import "time"

type (
	BackoffKind string

	// RateLimit allows Max operations per PerMs milliseconds
	RateLimit struct {
		Max   int   `json:"max"`
		PerMs int64 `json:"perMs"`
	}

	// Backoff describes the delay sequence between retry attempts
	Backoff struct {
		Kind    BackoffKind `json:"kind"`
		DelayMs int64       `json:"delayMs"`
	}

	// RetryPolicy bounds how many times a step sub-unit is re-entered
	RetryPolicy struct {
		Backoff     Backoff `json:"backoff"`
		MaxAttempts int     `json:"maxAttempts"`
	}

	// ThrottlingPolicy is the concurrency / rate-limit / retry triple
	// selected from a step's type and criticality. Pure value; equal
	// steps yield equal policies.
	ThrottlingPolicy struct {
		RateLimit   *RateLimit   `json:"rateLimit,omitempty"`
		Retry       *RetryPolicy `json:"retry,omitempty"`
		Concurrency int          `json:"concurrency,omitempty"`
	}
)

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Delay returns the backoff before the given retry attempt. Attempts are
// 1-based: the delay before attempt 2 is the first backoff.
func (r *RetryPolicy) Delay(attempt int) time.Duration {
	if r == nil || attempt <= 1 {
		return 0
	}
	base := time.Duration(r.Backoff.DelayMs) * time.Millisecond
	if r.Backoff.Kind != BackoffExponential {
		return base
	}
	d := base
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}
