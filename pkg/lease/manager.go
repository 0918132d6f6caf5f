package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetmind/convoy/pkg/ledger"
	"github.com/fleetmind/convoy/pkg/retry"
)

// Role is the manager's current view of its own standing.
type Role string

const (
	// RoleLeader means the last CAS succeeded and the lease is unexpired.
	RoleLeader Role = "leader"
	// RoleFollower means another candidate holds the lease.
	RoleFollower Role = "follower"
	// RoleObserver means the backend is unreachable: read-only, no command
	// emission, acquisition retried with capped backoff.
	RoleObserver Role = "observer"
)

// Options configures a Manager. Zero durations select defaults.
type Options struct {
	CandidateID string
	TTL         time.Duration // lease lifetime granted per acquire/renew
	Grace       time.Duration // wait past expiry before stealing
	Backoff     retry.Policy  // observer-mode reacquisition backoff
	History     ledger.Ledger // optional lease-history audit ledger
	Logger      *slog.Logger
	Clock       func() time.Time
}

const (
	DefaultTTL   = 15 * time.Second
	DefaultGrace = 5 * time.Second
)

// Manager drives acquire/renew/release against one backend.
type Manager struct {
	backend Backend
	opts    Options

	mu      sync.RWMutex
	current *Lease // last lease this candidate successfully installed
	role    Role
}

// NewManager creates a lease manager for one candidate.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Backoff == (retry.Policy{}) {
		opts.Backoff = retry.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{backend: backend, opts: opts, role: RoleFollower}
}

// Current returns the last successfully installed lease (nil if none) and
// the manager's role.
func (m *Manager) Current() (*Lease, Role) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.role
}

// IsLeader reports whether this candidate holds an unexpired lease.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role == RoleLeader && m.current != nil && !m.current.Expired(m.opts.Clock())
}

// Epoch returns the epoch of the held lease, or 0 when not leading.
func (m *Manager) Epoch() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.role != RoleLeader || m.current == nil {
		return 0
	}
	return m.current.Epoch
}

// Acquire attempts to take the lease. It succeeds when no unexpired lease
// exists, or the existing holder is this candidate (renewal path). The
// installed epoch is always previous+1, starting at 1, so epochs increase
// strictly across every acquisition on the key.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	now := m.opts.Clock()

	existing, err := m.backend.Load(ctx)
	if err != nil {
		m.enterObserver(err)
		return nil, fmt.Errorf("lease: backend load: %w", err)
	}

	var expectEpoch int64
	if existing != nil {
		holdable := existing.HeldBy(m.opts.CandidateID, now) ||
			existing.LeaderID == "" ||
			now.After(existing.ExpiresAt.Add(m.opts.Grace))
		if !holdable {
			m.setRole(RoleFollower)
			return nil, fmt.Errorf("%w: held by %s until %s",
				ErrNotAcquired, existing.LeaderID, existing.ExpiresAt.Format(time.RFC3339))
		}
		expectEpoch = existing.Epoch
	}

	next := Lease{
		LeaderID:  m.opts.CandidateID,
		Epoch:     expectEpoch + 1,
		ExpiresAt: now.Add(m.opts.TTL),
	}
	swapped, err := m.backend.CompareAndSwap(ctx, expectEpoch, next)
	if err != nil {
		m.enterObserver(err)
		return nil, fmt.Errorf("lease: backend cas: %w", err)
	}
	if !swapped {
		// Lost the race to a concurrent acquirer.
		m.setRole(RoleFollower)
		return nil, fmt.Errorf("%w: lost acquisition race at epoch %d", ErrNotAcquired, expectEpoch+1)
	}

	m.mu.Lock()
	m.current = &next
	m.role = RoleLeader
	m.mu.Unlock()

	m.record(ctx, "acquired", map[string]any{"epoch": next.Epoch, "expires_at": next.ExpiresAt.UTC().Format(time.RFC3339Nano)})
	m.opts.Logger.Info("lease acquired", "candidate", m.opts.CandidateID, "epoch", next.Epoch)
	return &next, nil
}

// Renew extends the held lease's expiry without changing its epoch. A
// failed CAS means the backend record moved on: the caller has been
// superseded and must stop emitting commands.
func (m *Manager) Renew(ctx context.Context) (*Lease, error) {
	m.mu.RLock()
	held := m.current
	m.mu.RUnlock()
	if held == nil {
		return nil, ErrNotHeld
	}

	next := Lease{
		LeaderID:  m.opts.CandidateID,
		Epoch:     held.Epoch,
		ExpiresAt: m.opts.Clock().Add(m.opts.TTL),
	}
	swapped, err := m.backend.CompareAndSwap(ctx, held.Epoch, next)
	if err != nil {
		m.enterObserver(err)
		return nil, fmt.Errorf("lease: backend cas: %w", err)
	}
	if !swapped {
		m.mu.Lock()
		m.current = nil
		m.role = RoleFollower
		m.mu.Unlock()
		m.record(ctx, "lost", map[string]any{"epoch": held.Epoch})
		m.opts.Logger.Warn("lease lost on renewal", "candidate", m.opts.CandidateID, "epoch", held.Epoch)
		return nil, fmt.Errorf("%w: epoch %d superseded", ErrLeaseLost, held.Epoch)
	}

	m.mu.Lock()
	m.current = &next
	m.role = RoleLeader
	m.mu.Unlock()
	return &next, nil
}

// Release voluntarily relinquishes the lease. The record keeps its epoch
// (so the next acquisition still bumps past it) but drops the holder and
// expiry, making it immediately reacquirable.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.RLock()
	held := m.current
	m.mu.RUnlock()
	if held == nil {
		return ErrNotHeld
	}

	vacated := Lease{LeaderID: "", Epoch: held.Epoch, ExpiresAt: m.opts.Clock()}
	swapped, err := m.backend.CompareAndSwap(ctx, held.Epoch, vacated)
	if err != nil {
		return fmt.Errorf("lease: backend cas: %w", err)
	}

	m.mu.Lock()
	m.current = nil
	m.role = RoleFollower
	m.mu.Unlock()

	if !swapped {
		// Already superseded; nothing left to release.
		return nil
	}
	m.record(ctx, "released", map[string]any{"epoch": held.Epoch})
	m.opts.Logger.Info("lease released", "candidate", m.opts.CandidateID, "epoch", held.Epoch)
	return nil
}

// Verify re-checks leadership against the backend without mutating it.
// Restarted workers call this before resuming command emission so a stale
// in-memory lease is never silently inherited.
func (m *Manager) Verify(ctx context.Context) (bool, error) {
	m.mu.RLock()
	held := m.current
	m.mu.RUnlock()
	if held == nil {
		return false, nil
	}

	stored, err := m.backend.Load(ctx)
	if err != nil {
		m.enterObserver(err)
		return false, fmt.Errorf("lease: backend load: %w", err)
	}
	now := m.opts.Clock()
	if stored == nil || stored.Epoch != held.Epoch || !stored.HeldBy(m.opts.CandidateID, now) {
		m.mu.Lock()
		m.current = nil
		m.role = RoleFollower
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Run maintains leadership until ctx is canceled: renew at renewEvery
// while leading, otherwise poll and attempt acquisition. Backend failures
// push the manager into observer mode with capped exponential backoff.
func (m *Manager) Run(ctx context.Context, pollEvery, renewEvery time.Duration) {
	attempt := 0
	for {
		var wait time.Duration
		switch {
		case m.IsLeader():
			wait = renewEvery
		case m.observer():
			wait = m.opts.Backoff.Delay(attempt, "lease:"+m.opts.CandidateID)
			attempt++
		default:
			wait = pollEvery
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if m.IsLeader() {
			if _, err := m.Renew(ctx); err != nil {
				m.opts.Logger.Warn("lease renewal failed", "error", err)
			}
			continue
		}
		if _, err := m.Acquire(ctx); err == nil {
			attempt = 0
		}
	}
}

func (m *Manager) observer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role == RoleObserver
}

func (m *Manager) setRole(r Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role == RoleObserver && r != RoleObserver {
		m.opts.Logger.Info("leaving observer mode", "candidate", m.opts.CandidateID)
	}
	m.role = r
	if r != RoleLeader {
		m.current = nil
	}
}

func (m *Manager) enterObserver(cause error) {
	m.mu.Lock()
	entered := m.role != RoleObserver
	m.role = RoleObserver
	m.current = nil
	m.mu.Unlock()

	if entered {
		m.opts.Logger.Warn("entering observer mode", "candidate", m.opts.CandidateID, "cause", cause)
		m.record(context.Background(), "observer_entered", map[string]any{"cause": cause.Error()})
	}
}

func (m *Manager) record(ctx context.Context, entryType string, data map[string]any) {
	if m.opts.History == nil {
		return
	}
	if _, err := m.opts.History.Append(ctx, entryType, m.opts.CandidateID, data); err != nil {
		m.opts.Logger.Warn("lease history append failed", "error", err)
	}
}
