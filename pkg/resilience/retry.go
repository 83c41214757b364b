// Package resilience implements the error handler: retry policy with
// exponential backoff and jitter, a circuit breaker, and a bounded
// dead-letter queue, plus rate-limited error reporting.
package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
)

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	RetryableErrors   []kgerrors.Code
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// RetryPolicy decides whether an error should be retried and, if so, after
// what delay.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a RetryPolicy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg}
}

// ShouldRetry reports whether err is retryable and attempts is still under
// the configured ceiling.
func (p *RetryPolicy) ShouldRetry(err error, attempts int) bool {
	if attempts >= p.cfg.MaxAttempts {
		return false
	}
	if !kgerrors.IsRetryable(err) {
		return false
	}
	if len(p.cfg.RetryableErrors) == 0 {
		return true
	}
	var kerr *kgerrors.Error
	if !kgerrors.As(err, &kerr) {
		return true
	}
	for _, code := range p.cfg.RetryableErrors {
		if code == kerr.Code {
			return true
		}
	}
	return false
}

// Delay computes the backoff delay for the given attempt number (1-based),
// exponential with multiplicative jitter, capped at MaxDelay.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.cfg.BaseDelay)
	delay := base * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	jitter := delay * p.cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	d := time.Duration(delay)
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}

// MaxAttempts exposes the configured ceiling.
func (p *RetryPolicy) MaxAttempts() int { return p.cfg.MaxAttempts }
