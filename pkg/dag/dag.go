// Package dag schedules dependency-graph tasks so that scheduling
// survives leadership handoff. All state lives in the store; a newly
// elected leader recomputes the frontier from persisted task records and
// reclaims work abandoned by its predecessor, with no in-memory state
// transfer between leaders.
package dag

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a task's position in its lifecycle. Transitions are forward
// only: retry re-enters pending with a higher attempt, never rewinds.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateRunning State = "running"
	StateSuccess State = "success"
	// StateFailed is terminal: the task exhausted its attempts.
	StateFailed State = "failed"
	// StateBlocked is terminal: an upstream dependency failed, so this
	// task can never become ready.
	StateBlocked State = "blocked"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateBlocked
}

// Task is one node of an execution DAG.
type Task struct {
	DAGID        string    `json:"dag_id"`
	TaskID       string    `json:"task_id"`
	Dependencies []string  `json:"dependencies,omitempty"`
	State        State     `json:"state"`
	Attempt      int       `json:"attempt"`
	ClaimedEpoch int64     `json:"claimed_epoch,omitempty"`
	ClaimedAt    time.Time `json:"claimed_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Claim identifies one execution grant. Actuators must be idempotent per
// (TaskID, Attempt): a later epoch may replay the same attempt after a
// leader crash.
type Claim struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Epoch   int64  `json:"epoch"`
}

var (
	ErrTaskNotFound = errors.New("dag: task not found")
	ErrTaskExists   = errors.New("dag: task already exists")
	// ErrNotClaimable is returned when claiming a task that is not ready.
	ErrNotClaimable = errors.New("dag: task is not claimable")
	// ErrStaleClaim is returned when a completion or failure report
	// carries an epoch other than the one that claimed the task.
	ErrStaleClaim = errors.New("dag: claim epoch does not match")
)

// Store persists task records. Implementations must make Put visible to
// a subsequent List in another process, since leaders hand off through
// the store alone.
type Store interface {
	Put(ctx context.Context, t *Task) error
	Get(ctx context.Context, dagID, taskID string) (*Task, error)
	List(ctx context.Context, dagID string) ([]*Task, error)
}

func validateTask(t *Task) error {
	if t.DAGID == "" || t.TaskID == "" {
		return fmt.Errorf("dag: dag_id and task_id are required")
	}
	for _, dep := range t.Dependencies {
		if dep == t.TaskID {
			return fmt.Errorf("dag: task %s depends on itself", t.TaskID)
		}
	}
	return nil
}
