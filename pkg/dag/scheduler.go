package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SchedulerOptions tunes retry and reclaim behavior.
type SchedulerOptions struct {
	// MaxAttempts bounds retries per task; at exhaustion the task goes
	// terminal failed and its dependents go blocked.
	MaxAttempts int
	// ReclaimGrace is how long a running task claimed under an older
	// epoch may go untouched before the current leader treats it as
	// abandoned.
	ReclaimGrace time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
}

const (
	DefaultMaxAttempts  = 3
	DefaultReclaimGrace = 30 * time.Second
)

// Scheduler computes the frontier and hands out epoch-keyed claims. It
// holds no task state of its own; everything round-trips through the
// store so any process with store access can take over scheduling.
type Scheduler struct {
	store Store
	opts  SchedulerOptions
}

// NewScheduler wires a scheduler to its store.
func NewScheduler(store Store, opts SchedulerOptions) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReclaimGrace <= 0 {
		opts.ReclaimGrace = DefaultReclaimGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{store: store, opts: opts}
}

// AddTask registers a new pending task. Adding an existing task is an
// error; task records are never redefined in place.
func (s *Scheduler) AddTask(ctx context.Context, dagID, taskID string, dependencies []string) error {
	if _, err := s.store.Get(ctx, dagID, taskID); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrTaskExists, dagID, taskID)
	} else if !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	return s.store.Put(ctx, &Task{
		DAGID:        dagID,
		TaskID:       taskID,
		Dependencies: dependencies,
		State:        StatePending,
		UpdatedAt:    s.opts.Clock().UTC(),
	})
}

// Frontier recomputes reachability from persisted state and returns the
// tasks that are ready to claim. Pending tasks whose dependencies are
// all success are promoted to ready; pending tasks downstream of a
// failed or blocked dependency are marked blocked.
func (s *Scheduler) Frontier(ctx context.Context, dagID string) ([]*Task, error) {
	tasks, err := s.store.List(ctx, dagID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	var frontier []*Task
	for _, t := range tasks {
		if t.State == StateReady {
			frontier = append(frontier, t)
			continue
		}
		if t.State != StatePending {
			continue
		}

		satisfied := true
		doomed := false
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok {
				return nil, fmt.Errorf("dag: task %s/%s depends on unknown task %s", dagID, t.TaskID, dep)
			}
			switch d.State {
			case StateSuccess:
			case StateFailed, StateBlocked:
				doomed = true
				satisfied = false
			default:
				satisfied = false
			}
		}

		switch {
		case doomed:
			t.State = StateBlocked
			t.UpdatedAt = s.opts.Clock().UTC()
			if err := s.store.Put(ctx, t); err != nil {
				return nil, err
			}
			s.opts.Logger.Warn("task blocked by failed dependency", "dag_id", dagID, "task_id", t.TaskID)
		case satisfied:
			t.State = StateReady
			t.UpdatedAt = s.opts.Clock().UTC()
			if err := s.store.Put(ctx, t); err != nil {
				return nil, err
			}
			frontier = append(frontier, t)
		}
	}
	return frontier, nil
}

// Claim transitions a ready task to running under the caller's epoch and
// returns the claim key. Claiming a task already running under the same
// (attempt, epoch) returns the same claim, so a retried claim call after
// a crash is a no-op.
func (s *Scheduler) Claim(ctx context.Context, dagID, taskID string, epoch int64) (*Claim, error) {
	t, err := s.store.Get(ctx, dagID, taskID)
	if err != nil {
		return nil, err
	}

	if t.State == StateRunning && t.ClaimedEpoch == epoch {
		return &Claim{TaskID: t.TaskID, Attempt: t.Attempt, Epoch: epoch}, nil
	}
	if t.State != StateReady {
		return nil, fmt.Errorf("%w: %s/%s is %s", ErrNotClaimable, dagID, taskID, t.State)
	}

	t.State = StateRunning
	t.ClaimedEpoch = epoch
	t.ClaimedAt = s.opts.Clock().UTC()
	t.UpdatedAt = t.ClaimedAt
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}
	return &Claim{TaskID: t.TaskID, Attempt: t.Attempt, Epoch: epoch}, nil
}

// Complete marks a running task success. The reporting epoch must match
// the claiming epoch: a former leader's late completion is fenced out.
func (s *Scheduler) Complete(ctx context.Context, dagID, taskID string, epoch int64) error {
	t, err := s.store.Get(ctx, dagID, taskID)
	if err != nil {
		return err
	}
	if t.State == StateSuccess && t.ClaimedEpoch == epoch {
		return nil // duplicate completion report
	}
	if t.State != StateRunning {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotClaimable, dagID, taskID, t.State)
	}
	if t.ClaimedEpoch != epoch {
		return fmt.Errorf("%w: task %s claimed at epoch %d, reported at %d",
			ErrStaleClaim, taskID, t.ClaimedEpoch, epoch)
	}
	t.State = StateSuccess
	t.UpdatedAt = s.opts.Clock().UTC()
	return s.store.Put(ctx, t)
}

// Fail records a failed attempt. With attempts remaining the task
// re-enters pending at attempt+1; at exhaustion it goes terminal failed.
func (s *Scheduler) Fail(ctx context.Context, dagID, taskID string, epoch int64) (State, error) {
	t, err := s.store.Get(ctx, dagID, taskID)
	if err != nil {
		return "", err
	}
	if t.State != StateRunning {
		return "", fmt.Errorf("%w: %s/%s is %s", ErrNotClaimable, dagID, taskID, t.State)
	}
	if t.ClaimedEpoch != epoch {
		return "", fmt.Errorf("%w: task %s claimed at epoch %d, reported at %d",
			ErrStaleClaim, taskID, t.ClaimedEpoch, epoch)
	}

	t.Attempt++
	if t.Attempt >= s.opts.MaxAttempts {
		t.State = StateFailed
		s.opts.Logger.Error("task failed terminally", "dag_id", dagID, "task_id", taskID, "attempts", t.Attempt)
	} else {
		t.State = StatePending
	}
	t.ClaimedEpoch = 0
	t.ClaimedAt = time.Time{}
	t.UpdatedAt = s.opts.Clock().UTC()
	if err := s.store.Put(ctx, t); err != nil {
		return "", err
	}
	return t.State, nil
}

// Reclaim returns abandoned work to the frontier: running tasks claimed
// under an epoch below currentEpoch that have outlived the grace window
// become ready again at the same attempt. The actuator's idempotence per
// (task_id, attempt) makes the replay safe.
func (s *Scheduler) Reclaim(ctx context.Context, dagID string, currentEpoch int64) ([]*Task, error) {
	tasks, err := s.store.List(ctx, dagID)
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock().UTC()

	var reclaimed []*Task
	for _, t := range tasks {
		if t.State != StateRunning || t.ClaimedEpoch >= currentEpoch {
			continue
		}
		if now.Sub(t.ClaimedAt) < s.opts.ReclaimGrace {
			continue
		}
		s.opts.Logger.Info("reclaiming abandoned task",
			"dag_id", dagID, "task_id", t.TaskID,
			"claimed_epoch", t.ClaimedEpoch, "current_epoch", currentEpoch, "attempt", t.Attempt)
		t.State = StateReady
		t.ClaimedEpoch = 0
		t.ClaimedAt = time.Time{}
		t.UpdatedAt = now
		if err := s.store.Put(ctx, t); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, t)
	}
	return reclaimed, nil
}
