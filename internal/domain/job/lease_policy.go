// Package job holds queue-side domain logic shared by services and workers.
package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy normalises lease durations for job claims and heartbeats. The
// queue stores leases as whole seconds; requests below one second are
// clamped up rather than rejected.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Resolve normalises the requested duration to a whole number of seconds.
// A zero or negative request falls back to the default; clamped reports
// whether the result differs from what was asked for.
func (p *LeasePolicy) Resolve(request time.Duration) (seconds int, clamped bool) {
	if p == nil {
		return 0, false
	}
	if request <= 0 {
		request = p.defaultLease
	}
	return durationToSeconds(request)
}

func durationToSeconds(d time.Duration) (int, bool) {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return 1, true
	}
	if seconds > int64(math.MaxInt) {
		return math.MaxInt, true
	}
	return int(seconds), false
}
