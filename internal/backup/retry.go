package backup

import (
	"context"
	"time"
)

// RetryPolicy bounds per-path upload retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries a failed upload up to 3 times with exponential
// backoff starting at 500ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// retryState is the explicit (attempt, next delay) state of one retry loop.
// Keeping it as plain data makes the suspension policy testable without any
// network in the loop.
type retryState struct {
	policy  RetryPolicy
	attempt int
	delay   time.Duration
}

func (p RetryPolicy) newState() *retryState {
	p = p.withDefaults()
	return &retryState{policy: p, delay: p.BaseDelay}
}

// next reports whether another attempt is allowed and, if so, the delay to
// wait before it. The first call always allows an immediate attempt.
func (s *retryState) next() (time.Duration, bool) {
	if s.attempt >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempt++

	if s.attempt == 1 {
		return 0, true
	}

	delay := s.delay
	s.delay *= 2
	if s.delay > s.policy.MaxDelay {
		s.delay = s.policy.MaxDelay
	}
	return delay, true
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
