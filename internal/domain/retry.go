package domain

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// MaxRetryDelay caps the backoff delay regardless of attempt.
const MaxRetryDelay = 30 * time.Second

// RetryPolicy decides whether and when a failed transfer is attempted again.
type RetryPolicy struct {
	Enabled         bool
	MaxAttempts     int
	BaseDelay       time.Duration
	BackoffFactor   float64
	JitterPercent   float64
	StatusCodes     []int
	ResetOnProgress bool
}

// DefaultRetryPolicy returns the policy used when sessions do not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:         true,
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		BackoffFactor:   2.0,
		JitterPercent:   10,
		StatusCodes:     []int{408, 429, 500, 502, 503, 504},
		ResetOnProgress: true,
	}
}

// CalculateDelay returns the wait before the given 1-based attempt.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if !p.Enabled || attempt <= 0 {
		return 0
	}

	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	delay = math.Min(delay, float64(MaxRetryDelay))

	if p.JitterPercent > 0 {
		spread := delay * p.JitterPercent / 100
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a response with statusCode is eligible for retry.
func (p RetryPolicy) ShouldRetry(statusCode int) bool {
	return p.Enabled && slices.Contains(p.StatusCodes, statusCode)
}

// CanAttempt reports whether another attempt is allowed after attempts tries.
func (p RetryPolicy) CanAttempt(attempts int) bool {
	if !p.Enabled {
		return attempts < 1
	}
	return attempts < max(p.MaxAttempts, 1)
}
