// Package fence admits or rejects mutating commands based on leader epoch.
//
// The gate is the split-brain fence: a command stamped by a superseded
// leader — however delayed in transit — is inert on arrival. Rejection is
// terminal and side-effect free; only epoch-current commands reach the
// actuator.
package fence

import (
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of a submitted command.
type Status string

const (
	// StatusAccepted: the epoch check passed and the actuator ran.
	StatusAccepted Status = "accepted"
	// StatusRejectedStaleEpoch: the command carries an epoch below the
	// stream's highest accepted epoch. Non-retryable; indicates a
	// split-brain attempt or a delayed command from a former leader.
	StatusRejectedStaleEpoch Status = "rejected_stale_epoch"
	// StatusActuationFailed: the epoch check passed but the actuator
	// returned an error. Retryable.
	StatusActuationFailed Status = "actuation_failed"
)

// Command is a fenced, auditable unit of mutation authority.
type Command struct {
	CommandID            string         `json:"command_id"`
	Stream               string         `json:"stream"`
	LeaderEpoch          int64          `json:"leader_epoch"`
	DecisionTableVersion string         `json:"decision_table_version,omitempty"`
	ExecutionDAGID       string         `json:"execution_dag_id,omitempty"`
	CausalHypothesisID   string         `json:"causal_hypothesis_id,omitempty"`
	IssuedAt             time.Time      `json:"issued_at_utc"`
	Payload              map[string]any `json:"payload,omitempty"`
	Status               Status         `json:"status,omitempty"`
}

// NewCommand stamps a fresh command for a stream under the given epoch.
func NewCommand(stream string, epoch int64) *Command {
	return &Command{
		CommandID:   "cmd-" + uuid.NewString(),
		Stream:      stream,
		LeaderEpoch: epoch,
		IssuedAt:    time.Now().UTC(),
	}
}
