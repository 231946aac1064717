package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgrid/deviceops/internal/errors"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	attempts, err := Do(context.Background(), Policy{}, nil, func(int) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsBudgetOnPersistentTimeout(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	attempts, err := Do(context.Background(), policy, nil, func(int) error {
		calls++
		return errors.OpTimeout("udp read timeout", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, errors.KindTimeout, errors.OpKind(err))
}

func TestDo_NonTransientFailsImmediately(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	attempts, err := Do(context.Background(), policy, nil, func(int) error {
		calls++
		return errors.OpAuthFailure("credentials rejected", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, errors.KindAuthFailure, errors.OpKind(err))
}

func TestDo_TransientThenSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	attempts, err := Do(context.Background(), policy, nil, func(int) error {
		calls++
		if calls < 2 {
			return errors.OpConnection("connection refused", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_NotifyAbortStopsRetrying(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	abort := errors.OpCancelled("cancel requested")
	calls := 0
	_, err := Do(context.Background(), policy, func(int, time.Duration, error) error {
		return abort
	}, func(int) error {
		calls++
		return errors.OpTimeout("timeout", nil)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, errors.KindCancelled, errors.OpKind(err))
}

func TestDo_NotifySeesBackoffGrowth(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
	var delays []time.Duration
	_, err := Do(context.Background(), policy, func(_ int, delay time.Duration, _ error) error {
		delays = append(delays, delay)
		return nil
	}, func(int) error {
		return errors.OpTimeout("timeout", nil)
	})
	require.Error(t, err)
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
}

func TestPolicy_BackoffCapped(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}.Normalize()
	assert.Equal(t, time.Second, policy.Backoff(2))
	assert.Equal(t, 2*time.Second, policy.Backoff(3))
	assert.Equal(t, 3*time.Second, policy.Backoff(4))
	assert.Equal(t, 3*time.Second, policy.Backoff(10))
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Minute}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, policy, nil, func(int) error {
		return errors.OpTimeout("timeout", nil)
	})
	assert.Equal(t, errors.KindCancelled, errors.OpKind(err))
}
