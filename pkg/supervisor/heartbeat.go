// Package supervisor keeps the worker process alive: the worker beats a
// heartbeat record, a watchdog polls its age and restarts the worker
// with bounded backoff when it dies or hangs. A restarted worker never
// silently inherits a stale lease; the watchdog re-verifies lease state
// before the worker resumes command emission.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoHeartbeat is returned before the first beat is recorded.
var ErrNoHeartbeat = errors.New("supervisor: no heartbeat recorded")

// Heartbeat is a single-timestamp liveness record on disk. Beats are
// written temp-then-rename so a reader never sees a torn record.
type Heartbeat struct {
	path  string
	clock func() time.Time
}

// NewHeartbeat creates a heartbeat at path. The parent directory must
// exist.
func NewHeartbeat(path string) *Heartbeat {
	return &Heartbeat{path: path, clock: time.Now}
}

// WithClock overrides the time source, used by tests.
func (h *Heartbeat) WithClock(clock func() time.Time) *Heartbeat {
	h.clock = clock
	return h
}

// Beat records the current instant.
func (h *Heartbeat) Beat() error {
	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".beat-*")
	if err != nil {
		return fmt.Errorf("supervisor: create heartbeat temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(h.clock().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("supervisor: write heartbeat: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("supervisor: close heartbeat: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("supervisor: install heartbeat: %w", err)
	}
	return nil
}

// Last returns the recorded instant.
func (h *Heartbeat) Last() (time.Time, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, ErrNoHeartbeat
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("supervisor: read heartbeat: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("supervisor: parse heartbeat: %w", err)
	}
	return ts, nil
}

// Age returns how long ago the last beat was recorded.
func (h *Heartbeat) Age() (time.Duration, error) {
	last, err := h.Last()
	if err != nil {
		return 0, err
	}
	return h.clock().UTC().Sub(last), nil
}
