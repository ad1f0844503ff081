// Package retry decides retry eligibility for streaming completion
// attempts and computes exponential backoff delays with jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is an immutable retry configuration. Eligibility is decided
// from the status code a classified error maps to (types.AIError
// RetryCode), never from raw error values.
type Policy struct {
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	retryableCodes map[int]struct{}
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 16 * time.Second
)

// DefaultPolicy returns the policy used for completion streaming:
// 3 attempts, 1s base doubling to a 16s cap, retrying 429/500/503.
func DefaultPolicy() *Policy {
	return NewPolicy(defaultMaxAttempts, defaultBaseDelay, defaultMaxDelay, []int{429, 500, 503})
}

// NewPolicy builds a policy, normalizing out-of-range parameters the
// same way invalid values are clamped rather than rejected.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, retryableCodes []int) *Policy {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay < baseDelay {
		maxDelay = defaultMaxDelay
	}

	codes := make(map[int]struct{}, len(retryableCodes))
	for _, c := range retryableCodes {
		codes[c] = struct{}{}
	}
	if len(codes) == 0 {
		codes = map[int]struct{}{429: {}, 500: {}, 503: {}}
	}

	return &Policy{
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		retryableCodes: codes,
	}
}

// MaxAttempts returns the attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt is allowed after a
// failure with the given status code. attempt is 0-indexed: the code
// of the attempt that just failed.
func (p *Policy) ShouldRetry(statusCode, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	_, ok := p.retryableCodes[statusCode]
	return ok
}

// Backoff computes the raw delay before the given attempt:
// min(base * 2^attempt, maxDelay), attempt 0-indexed.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// Jitter draws a uniform random delay from the closed interval
// [0.8d, 1.2d]. Re-randomized on every call so concurrent retriers
// desynchronize; callers must assert the interval, not exact values.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	low := float64(d) * 0.8
	span := float64(d) * 0.4
	return time.Duration(low + rand.Float64()*span)
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
// The retry wait is a suspension point that must stay cancellable.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
