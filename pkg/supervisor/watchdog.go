package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetmind/convoy/pkg/retry"
)

// Worker is the supervised process. Restart must recover a hung worker
// as well as a dead one: loops still running are stopped before fresh
// ones spawn. A worker is never restarted while Healthy reports true.
type Worker interface {
	Alive() bool
	Restart(ctx context.Context) error
}

// Options configures the watchdog.
type Options struct {
	// StaleAfter is the heartbeat age past which a live process counts
	// as hung.
	StaleAfter time.Duration
	// Backoff paces restart attempts. MaxAttempts is ignored; the
	// watchdog never gives up, it only stops shortening the interval.
	Backoff retry.Policy
	// OnRestart runs after a successful restart, before the worker is
	// considered recovered. The daemon hooks lease re-verification here
	// so a restarted process cannot resume emission on a stale lease.
	OnRestart func(ctx context.Context) error
	Logger    *slog.Logger
	Clock     func() time.Time
}

const DefaultStaleAfter = 30 * time.Second

// Watchdog polls worker liveness and drives restarts.
type Watchdog struct {
	heartbeat *Heartbeat
	worker    Worker
	opts      Options

	attempt   int
	nextRetry time.Time
}

// NewWatchdog wires a watchdog to the heartbeat record and worker.
func NewWatchdog(heartbeat *Heartbeat, worker Worker, opts Options) *Watchdog {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = retry.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Watchdog{heartbeat: heartbeat, worker: worker, opts: opts}
}

// Healthy reports whether the worker is alive with a fresh heartbeat.
func (w *Watchdog) Healthy() bool {
	if !w.worker.Alive() {
		return false
	}
	age, err := w.heartbeat.Age()
	if err != nil {
		return false
	}
	return age <= w.opts.StaleAfter
}

// Check runs one watchdog cycle and reports whether a restart happened.
// Restart attempts are paced by the backoff policy; a healthy check
// resets the backoff.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	if w.Healthy() {
		w.attempt = 0
		w.nextRetry = time.Time{}
		return false, nil
	}

	now := w.opts.Clock()
	if now.Before(w.nextRetry) {
		return false, nil
	}

	w.opts.Logger.Warn("worker unhealthy, restarting",
		"alive", w.worker.Alive(), "attempt", w.attempt)

	if err := w.worker.Restart(ctx); err != nil {
		delay := w.opts.Backoff.Delay(w.attempt, "watchdog")
		w.attempt++
		w.nextRetry = now.Add(delay)
		return false, fmt.Errorf("supervisor: restart failed: %w", err)
	}

	if w.opts.OnRestart != nil {
		if err := w.opts.OnRestart(ctx); err != nil {
			delay := w.opts.Backoff.Delay(w.attempt, "watchdog")
			w.attempt++
			w.nextRetry = now.Add(delay)
			return true, fmt.Errorf("supervisor: post-restart verification failed: %w", err)
		}
	}

	w.attempt = 0
	w.nextRetry = time.Time{}
	// Stamp one beat so the respawned loops get a full StaleAfter window
	// before they must prove liveness on their own.
	if err := w.heartbeat.Beat(); err != nil {
		return true, err
	}
	return true, nil
}

// Run polls until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context, pollEvery time.Duration) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.opts.Logger.Error("watchdog cycle failed", "error", err)
			}
		}
	}
}
