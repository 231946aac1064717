package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy_RejectsNonPositiveDefault(t *testing.T) {
	_, err := NewLeasePolicy(0)
	assert.ErrorIs(t, err, ErrInvalidDefaultLease)

	_, err = NewLeasePolicy(-time.Second)
	assert.ErrorIs(t, err, ErrInvalidDefaultLease)
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name        string
		request     time.Duration
		wantSeconds int
		wantClamped bool
	}{
		{name: "explicit request", request: 45 * time.Second, wantSeconds: 45},
		{name: "zero falls back to default", request: 0, wantSeconds: 30},
		{name: "negative falls back to default", request: -time.Minute, wantSeconds: 30},
		{name: "sub-second clamps to one", request: 200 * time.Millisecond, wantSeconds: 1, wantClamped: true},
		{name: "fractional truncates", request: 90500 * time.Millisecond, wantSeconds: 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seconds, clamped := policy.Resolve(tt.request)
			assert.Equal(t, tt.wantSeconds, seconds)
			assert.Equal(t, tt.wantClamped, clamped)
		})
	}
}

func TestLeasePolicy_NilReceiver(t *testing.T) {
	var policy *LeasePolicy
	seconds, clamped := policy.Resolve(time.Minute)
	assert.Zero(t, seconds)
	assert.False(t, clamped)
	assert.Zero(t, policy.Default())
}
