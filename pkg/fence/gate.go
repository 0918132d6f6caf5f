package fence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fleetmind/convoy/pkg/ledger"
)

var (
	// ErrStaleEpoch is returned alongside StatusRejectedStaleEpoch.
	ErrStaleEpoch = errors.New("fence: stale leader epoch")

	// ErrMissingEpoch is returned for commands submitted without one.
	ErrMissingEpoch = errors.New("fence: command carries no leader epoch")
)

// Actuator receives admitted commands. Implementations must be idempotent
// per command_id: the dispatcher may retry an actuation_failed command.
type Actuator interface {
	Actuate(ctx context.Context, cmd *Command) error
}

// EpochStore persists the highest accepted epoch per command stream. It
// must survive restart, or a rebooted node would re-admit stale commands.
type EpochStore interface {
	Highest(ctx context.Context, stream string) (int64, error)
	Record(ctx context.Context, stream string, epoch int64) error
}

// Gate validates every mutating command before actuation.
type Gate struct {
	epochs   EpochStore
	actuator Actuator
	outcomes ledger.Ledger
	logger   *slog.Logger

	mu sync.Mutex // serializes check-then-record per submission
}

// NewGate wires a gate to its epoch store, actuator, and outcome ledger.
func NewGate(epochs EpochStore, actuator Actuator, outcomes ledger.Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{epochs: epochs, actuator: actuator, outcomes: outcomes, logger: logger}
}

// Submit runs the fencing check and, on success, forwards to the actuator.
// Every terminal outcome is appended to the command outcome ledger; no
// outcome is ever silently swallowed.
func (g *Gate) Submit(ctx context.Context, cmd *Command) (Status, error) {
	if cmd.LeaderEpoch <= 0 {
		return "", ErrMissingEpoch
	}

	g.mu.Lock()
	highest, err := g.epochs.Highest(ctx, cmd.Stream)
	if err != nil {
		g.mu.Unlock()
		return "", fmt.Errorf("fence: read stream epoch: %w", err)
	}

	if cmd.LeaderEpoch < highest {
		g.mu.Unlock()
		cmd.Status = StatusRejectedStaleEpoch
		g.record(ctx, cmd, map[string]any{"highest_epoch": highest})
		g.logger.Warn("command rejected: stale epoch",
			"command_id", cmd.CommandID, "stream", cmd.Stream,
			"command_epoch", cmd.LeaderEpoch, "highest_epoch", highest)
		return StatusRejectedStaleEpoch, fmt.Errorf("%w: command epoch %d below stream epoch %d",
			ErrStaleEpoch, cmd.LeaderEpoch, highest)
	}

	if cmd.LeaderEpoch > highest {
		if err := g.epochs.Record(ctx, cmd.Stream, cmd.LeaderEpoch); err != nil {
			g.mu.Unlock()
			return "", fmt.Errorf("fence: record stream epoch: %w", err)
		}
	}
	g.mu.Unlock()

	if err := g.actuator.Actuate(ctx, cmd); err != nil {
		cmd.Status = StatusActuationFailed
		g.record(ctx, cmd, map[string]any{"error": err.Error()})
		g.logger.Error("actuation failed", "command_id", cmd.CommandID, "stream", cmd.Stream, "error", err)
		return StatusActuationFailed, fmt.Errorf("fence: actuation failed: %w", err)
	}

	cmd.Status = StatusAccepted
	g.record(ctx, cmd, nil)
	return StatusAccepted, nil
}

func (g *Gate) record(ctx context.Context, cmd *Command, extra map[string]any) {
	if g.outcomes == nil {
		return
	}
	data := map[string]any{
		"command_id":   cmd.CommandID,
		"stream":       cmd.Stream,
		"leader_epoch": cmd.LeaderEpoch,
	}
	if cmd.ExecutionDAGID != "" {
		data["execution_dag_id"] = cmd.ExecutionDAGID
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := g.outcomes.Append(ctx, string(cmd.Status), "gate", data); err != nil {
		g.logger.Error("outcome ledger append failed", "command_id", cmd.CommandID, "error", err)
	}
}
