package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// MinLease is the shortest lease a worker may hold.
const MinLease = time.Second

// LeasePolicy normalises worker leases and decides when a held entry has stalled.
type LeasePolicy struct {
	defaultLease   time.Duration
	stallTolerance time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. stallTolerance is the grace past an
// expired lease before the entry is declared stalled.
func NewLeasePolicy(defaultLease, stallTolerance time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if stallTolerance < 0 {
		stallTolerance = 0
	}
	return &LeasePolicy{defaultLease: defaultLease, stallTolerance: stallTolerance}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// StallTolerance returns the grace past lease expiry.
func (p *LeasePolicy) StallTolerance() time.Duration {
	if p == nil {
		return 0
	}
	return p.stallTolerance
}

// Resolve returns the lease to apply for a request: the default for zero,
// MinLease for anything shorter, whole seconds otherwise.
func (p *LeasePolicy) Resolve(request time.Duration) time.Duration {
	if request == 0 && p != nil {
		request = p.defaultLease
	}
	if request < MinLease {
		return MinLease
	}
	return request.Truncate(time.Second)
}

// HeartbeatInterval is how often a worker should extend a lease: a third of it.
func (p *LeasePolicy) HeartbeatInterval(lease time.Duration) time.Duration {
	return max(p.Resolve(lease)/3, 100*time.Millisecond)
}

// StallDeadline is the instant after which an entry leased until leaseUntil counts as stalled.
func (p *LeasePolicy) StallDeadline(leaseUntil time.Time) time.Time {
	return leaseUntil.Add(p.StallTolerance())
}

// Stalled reports whether an entry leased until leaseUntil has stalled at now.
func (p *LeasePolicy) Stalled(leaseUntil, now time.Time) bool {
	return now.After(p.StallDeadline(leaseUntil))
}
