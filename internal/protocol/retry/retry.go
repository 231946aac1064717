// Package retry implements the client-local retry loop for transient
// protocol failures. Retry never happens above the client: the orchestrator
// persists whatever surfaces here and does not resubmit jobs.
package retry

import (
	"context"
	"time"

	"github.com/opsgrid/deviceops/internal/errors"
)

const (
	// DefaultMaxAttempts is the default transient-failure budget.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first backoff delay; each retry doubles it.
	DefaultBaseDelay = 200 * time.Millisecond
	// DefaultMaxDelay caps the backoff growth.
	DefaultMaxDelay = 10 * time.Second
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Backoff returns the delay before the given retry attempt (attempt 2 is the
// first retry): base * 2^(attempt-2), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Notify runs before each retry attempt. Returning an error aborts the loop
// with that error; the worker uses this as its pre-retry cancellation
// checkpoint.
type Notify func(attempt int, delay time.Duration, cause error) error

// Do runs fn up to the policy's attempt budget. Only transient errors are
// retried; any other error returns immediately with the attempt count spent.
func Do(ctx context.Context, policy Policy, notify Notify, fn func(attempt int) error) (attempts int, err error) {
	policy = policy.Normalize()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		err = fn(attempt)
		if err == nil {
			return attempts, nil
		}
		if !errors.IsTransient(err) {
			return attempts, err
		}
		if attempt == policy.MaxAttempts {
			return attempts, err
		}

		delay := policy.Backoff(attempt + 1)
		if notify != nil {
			if notifyErr := notify(attempt+1, delay, err); notifyErr != nil {
				return attempts, notifyErr
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return attempts, errors.OpCancelled("context ended during backoff")
		case <-timer.C:
		}
	}
	return attempts, err
}
