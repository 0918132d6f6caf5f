package mesh

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetmind/convoy/pkg/cursor"
	"github.com/fleetmind/convoy/pkg/envelope"
	"github.com/fleetmind/convoy/pkg/eventlog"
)

// countingHandler records how many times each event_id reached it.
type countingHandler struct {
	mu       sync.Mutex
	calls    map[string]int
	failOnce map[string]bool
}

func newCountingHandler() *countingHandler {
	return &countingHandler{calls: make(map[string]int), failOnce: make(map[string]bool)}
}

func (h *countingHandler) Handle(ctx context.Context, e *envelope.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOnce[e.EventID] {
		delete(h.failOnce, e.EventID)
		return errors.New("transient handler failure")
	}
	h.calls[e.EventID]++
	return nil
}

func (h *countingHandler) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

func newTestMesh(t *testing.T, h Handler) (*Mesh, *eventlog.MemoryLog, *cursor.MemoryStore) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	state := cursor.NewMemoryStore()
	reg := NewRegistry()
	require.NoError(t, reg.Register("telemetry", AnyType, h))
	reg.Seal()
	m := New(log, state, reg, Options{
		NodeID: "node-a",
		Source: "test",
		Logger: slog.New(slog.DiscardHandler),
	})
	return m, log, state
}

func TestPublishIsIdempotentOnDuplicateContent(t *testing.T) {
	ctx := context.Background()
	m, log, _ := newTestMesh(t, newCountingHandler())

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	payload := map[string]any{"vehicle": "rover-7", "pct": 11}
	id1, err := m.PublishAt(ctx, ts, "telemetry", "battery_low", payload, "")
	require.NoError(t, err)

	id2, err := m.PublishAt(ctx, ts, "telemetry", "battery_low", payload, "")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	last, err := log.LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last, "duplicate content must not append twice")
}

func TestDispatchProcessesInOrderAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	h := newCountingHandler()
	m, _, state := newTestMesh(t, h)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": i}, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	res, err := m.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Zero(t, res.Failed)

	for _, id := range ids {
		require.Equal(t, 1, h.count(id))
	}
	pos, err := state.Cursor(ctx, LocalStream)
	require.NoError(t, err)
	require.Equal(t, uint64(3), pos)
}

func TestDispatchRetriesFailedEventFromSamePosition(t *testing.T) {
	ctx := context.Background()
	h := newCountingHandler()
	m, _, state := newTestMesh(t, h)

	id1, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	id2, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 2}, "")
	require.NoError(t, err)

	h.mu.Lock()
	h.failOnce[id2] = true
	h.mu.Unlock()

	res, err := m.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Failed)

	// Cursor stopped before the failed event.
	pos, err := state.Cursor(ctx, LocalStream)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos)

	// Next cycle retries id2 and only id2.
	res, err = m.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, h.count(id1))
	require.Equal(t, 1, h.count(id2))
}

func TestDispatchSkipsUnhandledTopics(t *testing.T) {
	ctx := context.Background()
	h := newCountingHandler()
	log := eventlog.NewMemoryLog()
	state := cursor.NewMemoryStore()
	reg := NewRegistry()
	require.NoError(t, reg.Register("telemetry", AnyType, h))
	reg.Seal()
	m := New(log, state, reg, Options{NodeID: "node-a", Source: "test", Logger: slog.New(slog.DiscardHandler)})

	_, err := m.Publish(ctx, "routing", "reroute", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	id, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 2}, "")
	require.NoError(t, err)

	res, err := m.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, h.count(id))

	pos, err := state.Cursor(ctx, LocalStream)
	require.NoError(t, err)
	require.Equal(t, uint64(2), pos, "unhandled events still advance the cursor")
}

func TestDispatchSkipsAlreadySeenAfterCrash(t *testing.T) {
	ctx := context.Background()
	h := newCountingHandler()
	m, _, state := newTestMesh(t, h)

	id, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 1}, "")
	require.NoError(t, err)

	// Simulate a crash after the handler ran but before the cursor moved:
	// the event is marked seen while the cursor still points before it.
	require.NoError(t, state.MarkSeen(ctx, cursor.OpDispatch, id))

	res, err := m.Dispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Processed)
	require.Zero(t, h.count(id), "seen event must not be handled again")

	pos, err := state.Cursor(ctx, LocalStream)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos)
}

func TestDispatchSurvivesRestartWithSQLiteState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	db, err := eventlog.Open(path)
	require.NoError(t, err)
	log, err := eventlog.NewSQLiteLog(db)
	require.NoError(t, err)
	state, err := cursor.NewSQLiteStore(db, 0)
	require.NoError(t, err)

	h := newCountingHandler()
	reg := NewRegistry()
	require.NoError(t, reg.Register("telemetry", AnyType, h))
	reg.Seal()
	m := New(log, state, reg, Options{NodeID: "node-a", Source: "test", Logger: slog.New(slog.DiscardHandler)})

	id, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 1}, "")
	require.NoError(t, err)
	_, err = m.Dispatch(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Rebooted node: same database, fresh process state.
	db2, err := eventlog.Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	log2, err := eventlog.NewSQLiteLog(db2)
	require.NoError(t, err)
	state2, err := cursor.NewSQLiteStore(db2, 0)
	require.NoError(t, err)

	m2 := New(log2, state2, reg, Options{NodeID: "node-a", Source: "test", Logger: slog.New(slog.DiscardHandler)})
	res, err := m2.Dispatch(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Processed, "restart must not redeliver processed events")
	require.Equal(t, 1, h.count(id))
}

func TestHandlerTimeoutCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	state := cursor.NewMemoryStore()
	reg := NewRegistry()
	slow := HandlerFunc(func(ctx context.Context, e *envelope.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, reg.Register("telemetry", AnyType, slow))
	reg.Seal()
	m := New(log, state, reg, Options{
		NodeID:         "node-a",
		Source:         "test",
		HandlerTimeout: 10 * time.Millisecond,
		Logger:         slog.New(slog.DiscardHandler),
	})

	_, err := m.Publish(ctx, "telemetry", "battery_low", map[string]any{"n": 1}, "")
	require.NoError(t, err)

	res, err := m.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	pos, err := state.Cursor(ctx, LocalStream)
	require.NoError(t, err)
	require.Zero(t, pos, "timed-out event stays at the cursor for retry")
}
