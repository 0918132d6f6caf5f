package fence

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fleetmind/convoy/pkg/eventlog"
	"github.com/fleetmind/convoy/pkg/ledger"
	"github.com/stretchr/testify/require"
)

// spyActuator records every command that reaches it.
type spyActuator struct {
	mu       sync.Mutex
	commands []*Command
	failWith error
}

func (a *spyActuator) Actuate(ctx context.Context, cmd *Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.commands = append(a.commands, cmd)
	return nil
}

func (a *spyActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.commands)
}

func newTestGate(t *testing.T) (*Gate, *spyActuator, *ledger.MemoryLedger) {
	t.Helper()
	spy := &spyActuator{}
	outcomes := ledger.NewMemoryLedger(ledger.CommandOutcomes)
	g := NewGate(NewMemoryEpochStore(), spy, outcomes, slog.New(slog.DiscardHandler))
	return g, spy, outcomes
}

func cmdAt(stream string, epoch int64) *Command {
	c := NewCommand(stream, epoch)
	c.ExecutionDAGID = "dag-1"
	return c
}

func TestSubmitAcceptsCurrentEpoch(t *testing.T) {
	ctx := context.Background()
	g, spy, outcomes := newTestGate(t)

	status, err := g.Submit(ctx, cmdAt("fleet", 1))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, status)
	require.Equal(t, 1, spy.count())

	entries, _ := outcomes.List(ctx, 0)
	require.Len(t, entries, 1)
	require.Equal(t, string(StatusAccepted), entries[0].EntryType)
}

func TestSubmitRejectsStaleEpochWithZeroSideEffects(t *testing.T) {
	ctx := context.Background()
	g, spy, outcomes := newTestGate(t)

	_, err := g.Submit(ctx, cmdAt("fleet", 3))
	require.NoError(t, err)

	status, err := g.Submit(ctx, cmdAt("fleet", 2))
	require.ErrorIs(t, err, ErrStaleEpoch)
	require.Equal(t, StatusRejectedStaleEpoch, status)
	require.Equal(t, 1, spy.count(), "stale command must never reach the actuator")

	entries, _ := outcomes.List(ctx, 0)
	require.Len(t, entries, 2)
	require.Equal(t, string(StatusRejectedStaleEpoch), entries[0].EntryType)
}

func TestSubmitAcceptsEqualEpoch(t *testing.T) {
	ctx := context.Background()
	g, spy, _ := newTestGate(t)

	_, err := g.Submit(ctx, cmdAt("fleet", 2))
	require.NoError(t, err)
	status, err := g.Submit(ctx, cmdAt("fleet", 2))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, status)
	require.Equal(t, 2, spy.count())
}

func TestEpochFencingIsPerStream(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t)

	_, err := g.Submit(ctx, cmdAt("fleet", 5))
	require.NoError(t, err)

	// A different stream has its own epoch history.
	status, err := g.Submit(ctx, cmdAt("routing", 1))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, status)
}

func TestActuationFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	g, spy, outcomes := newTestGate(t)

	spy.failWith = errors.New("actuator offline")
	cmd := cmdAt("fleet", 1)
	status, err := g.Submit(ctx, cmd)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStaleEpoch)
	require.Equal(t, StatusActuationFailed, status)

	// Same epoch resubmission succeeds once the actuator recovers.
	spy.failWith = nil
	status, err = g.Submit(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, status)

	entries, _ := outcomes.List(ctx, 0)
	require.Len(t, entries, 2)
	require.Equal(t, string(StatusActuationFailed), entries[1].EntryType)
}

func TestSubmitRejectsMissingEpoch(t *testing.T) {
	g, spy, _ := newTestGate(t)
	_, err := g.Submit(context.Background(), cmdAt("fleet", 0))
	require.ErrorIs(t, err, ErrMissingEpoch)
	require.Zero(t, spy.count())
}

func TestSQLiteEpochStoreFencesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	db, err := eventlog.Open(path)
	require.NoError(t, err)
	store, err := NewSQLiteEpochStore(db)
	require.NoError(t, err)

	spy := &spyActuator{}
	g := NewGate(store, spy, nil, slog.New(slog.DiscardHandler))
	_, err = g.Submit(ctx, cmdAt("fleet", 4))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Rebooted node must still fence the old epoch.
	db2, err := eventlog.Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	store2, err := NewSQLiteEpochStore(db2)
	require.NoError(t, err)

	g2 := NewGate(store2, spy, nil, slog.New(slog.DiscardHandler))
	status, err := g2.Submit(ctx, cmdAt("fleet", 3))
	require.ErrorIs(t, err, ErrStaleEpoch)
	require.Equal(t, StatusRejectedStaleEpoch, status)
	require.Equal(t, 1, spy.count())
}

func TestSQLiteEpochStoreRecordIsMonotonic(t *testing.T) {
	ctx := context.Background()
	db, err := eventlog.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store, err := NewSQLiteEpochStore(db)
	require.NoError(t, err)

	require.NoError(t, store.Record(ctx, "fleet", 5))
	require.NoError(t, store.Record(ctx, "fleet", 3))
	highest, err := store.Highest(ctx, "fleet")
	require.NoError(t, err)
	require.Equal(t, int64(5), highest)
}
