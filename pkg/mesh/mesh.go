package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetmind/convoy/pkg/cursor"
	"github.com/fleetmind/convoy/pkg/envelope"
	"github.com/fleetmind/convoy/pkg/eventlog"
	"github.com/fleetmind/convoy/pkg/observability"
)

// LocalStream is the cursor stream for the node's own dispatch loop.
const LocalStream = "local"

// DispatchResult summarizes one dispatch cycle.
type DispatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Options configures a Mesh.
type Options struct {
	NodeID         string
	Source         string        // default source stamped on published events
	HandlerTimeout time.Duration // per-handler bound; expired handlers count as failed
	BatchSize      int           // events examined per dispatch cycle
	CycleRate      rate.Limit    // max dispatch cycles per second (0 = unlimited)
	Logger         *slog.Logger
	Observer       *observability.Provider
}

const (
	DefaultHandlerTimeout = 30 * time.Second
	DefaultBatchSize      = 256
)

// Mesh binds the event log, the cursor state, and the handler registry.
type Mesh struct {
	log      eventlog.Log
	state    cursor.Store
	registry *Registry
	opts     Options
	limiter  *rate.Limiter
}

// New creates a mesh over the given log and cursor store.
func New(log eventlog.Log, state cursor.Store, registry *Registry, opts Options) *Mesh {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.CycleRate > 0 {
		limiter = rate.NewLimiter(opts.CycleRate, 1)
	}
	return &Mesh{log: log, state: state, registry: registry, opts: opts, limiter: limiter}
}

// Publish appends an event to the local log atomically and returns its
// derived event_id. Publishing content that is already committed is a
// no-op returning the existing identity.
func (m *Mesh) Publish(ctx context.Context, topic, eventType string, payload map[string]any, causationID string) (string, error) {
	return m.PublishAt(ctx, time.Now().UTC(), topic, eventType, payload, causationID)
}

// PublishAt is Publish with an explicit origin timestamp, used by replay.
func (m *Mesh) PublishAt(ctx context.Context, ts time.Time, topic, eventType string, payload map[string]any, causationID string) (string, error) {
	e, err := envelope.NewAt(ts, topic, eventType, m.opts.NodeID, m.opts.Source, payload, causationID)
	if err != nil {
		return "", err
	}
	if _, err := m.log.Append(ctx, e); err != nil {
		if errors.Is(err, eventlog.ErrDuplicate) {
			return e.EventID, nil
		}
		return "", fmt.Errorf("mesh: publish: %w", err)
	}
	return e.EventID, nil
}

// Dispatch reads events at or after the cursor and invokes the registered
// handler for each unseen event, advancing the cursor only after the
// handler completes. A failing handler leaves the cursor in place, so the
// event is retried from the same position next cycle: at-least-once
// delivery, exactly-once effect given idempotent handlers.
func (m *Mesh) Dispatch(ctx context.Context) (DispatchResult, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return DispatchResult{}, err
		}
	}
	done := m.opts.Observer.Measure(ctx, "dispatch")

	var res DispatchResult
	pos, err := m.state.Cursor(ctx, LocalStream)
	if err != nil {
		done(err)
		return res, fmt.Errorf("mesh: read cursor: %w", err)
	}

	records, err := m.log.ReadFrom(ctx, pos+1, m.opts.BatchSize)
	if err != nil {
		done(err)
		return res, fmt.Errorf("mesh: read log: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			done(err)
			return res, err
		}
		e := rec.Event

		seen, err := m.state.Seen(ctx, cursor.OpDispatch, e.EventID)
		if err != nil {
			done(err)
			return res, fmt.Errorf("mesh: seen lookup: %w", err)
		}
		if seen {
			// Already handled before a crash-interrupted cursor advance.
			if err := m.state.Advance(ctx, LocalStream, rec.Sequence, cursor.OpDispatch, e.EventID); err != nil {
				done(err)
				return res, fmt.Errorf("mesh: cursor advance: %w", err)
			}
			continue
		}

		handler, ok := m.registry.Resolve(e.Topic, e.EventType)
		if !ok {
			// No local capability for this topic; skip without failing.
			m.opts.Logger.Debug("no handler registered", "topic", e.Topic, "event_type", e.EventType)
			if err := m.state.Advance(ctx, LocalStream, rec.Sequence, cursor.OpDispatch, e.EventID); err != nil {
				done(err)
				return res, fmt.Errorf("mesh: cursor advance: %w", err)
			}
			continue
		}

		if err := m.invoke(ctx, handler, e); err != nil {
			// Cursor stays put; this event is retried next cycle.
			res.Failed++
			m.opts.Logger.Warn("handler failed, event will be retried",
				"event_id", e.ShortID(), "topic", e.Topic, "event_type", e.EventType, "error", err)
			break
		}

		if err := m.state.Advance(ctx, LocalStream, rec.Sequence, cursor.OpDispatch, e.EventID); err != nil {
			done(err)
			return res, fmt.Errorf("mesh: cursor advance: %w", err)
		}
		res.Processed++
	}

	done(nil)
	return res, nil
}

// invoke runs a handler under the per-handler timeout. The handler is
// never hard-killed; it is expected to honor ctx and return.
func (m *Mesh) invoke(ctx context.Context, h Handler, e *envelope.Event) error {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandlerTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- h.Handle(hctx, e) }()

	select {
	case err := <-errc:
		return err
	case <-hctx.Done():
		return fmt.Errorf("mesh: handler exceeded %s: %w", m.opts.HandlerTimeout, hctx.Err())
	}
}

// RunDispatcher drives dispatch cycles until ctx is canceled. In-flight
// handler work finishes (or times out) before the loop exits.
func (m *Mesh) RunDispatcher(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res, err := m.Dispatch(ctx); err != nil {
				m.opts.Logger.Error("dispatch cycle failed", "error", err)
			} else if res.Processed > 0 || res.Failed > 0 {
				m.opts.Logger.Info("dispatch cycle", "processed", res.Processed, "failed", res.Failed)
			}
		}
	}
}

// Registry exposes the sealed handler registry (for manifest export).
func (m *Mesh) Registry() *Registry { return m.registry }
