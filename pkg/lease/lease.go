// Package lease implements leader election through a single, epoch-stamped,
// time-bounded lease.
//
// The manager assumes only that its backend offers an atomic compare-and-swap
// on the lease record. Epochs increase strictly on every acquisition, so a
// command stamped with a superseded epoch can be fenced out downstream no
// matter how delayed it is. The manager never assumes leadership without a
// successful CAS; when the backend is unreachable it degrades to observer
// mode and keeps retrying with bounded backoff.
package lease

import (
	"context"
	"errors"
	"time"
)

// Lease is the single authoritative leadership record per backend key.
type Lease struct {
	LeaderID  string    `json:"leader_id"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// HeldBy reports whether the lease is currently held by candidateID.
func (l *Lease) HeldBy(candidateID string, now time.Time) bool {
	return l.LeaderID == candidateID && !l.Expired(now)
}

var (
	// ErrNotAcquired is returned when another candidate holds an unexpired
	// lease, or a concurrent acquisition won the CAS race. The caller stays
	// a follower.
	ErrNotAcquired = errors.New("lease: not acquired")

	// ErrLeaseLost is returned when a renewal CAS fails: the backend record
	// no longer carries the caller's epoch. The caller must stop emitting
	// commands immediately.
	ErrLeaseLost = errors.New("lease: lease lost")

	// ErrNotHeld is returned by Release when the caller holds no lease.
	ErrNotHeld = errors.New("lease: not held")
)

// Backend is the pluggable storage for the lease record. Implementations
// must make CompareAndSwap atomic; the manager's fencing logic never
// branches on backend identity.
type Backend interface {
	// Load returns the current lease record, or nil if none exists.
	Load(ctx context.Context) (*Lease, error)

	// CompareAndSwap installs next if and only if the stored record still
	// carries expectEpoch (0 meaning no record exists). It reports whether
	// the swap happened.
	CompareAndSwap(ctx context.Context, expectEpoch int64, next Lease) (bool, error)

	// Strong reports whether the backend provides real multi-process
	// compare-and-set. The file backend is best-effort and returns false.
	Strong() bool
}
