// Package eventlog provides the per-node authoritative event log.
//
// The log is append-only: sequence numbers increase monotonically, an
// appended envelope is never rewritten, and every commit extends a
// cumulative hash chain over the canonical encoding of the envelope so
// corruption or rewriting is detectable after the fact.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fleetmind/convoy/pkg/canonicalize"
	"github.com/fleetmind/convoy/pkg/envelope"
)

var (
	// ErrDuplicate is returned when an envelope with the same event_id is
	// already committed. Publish treats it as success (idempotent), import
	// uses it to skip peer events already present locally.
	ErrDuplicate = errors.New("eventlog: event already committed")

	// ErrNotFound is returned for sequence numbers past the head.
	ErrNotFound = errors.New("eventlog: event not found")
)

// Record is a committed envelope with its log position and chain hash.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	Event     *envelope.Event `json:"event"`
	ChainHash string          `json:"chain_hash"`
}

// Log is the append-only event log contract.
type Log interface {
	// Append commits an envelope and returns its sequence number.
	// Committing the same event_id twice returns ErrDuplicate.
	Append(ctx context.Context, e *envelope.Event) (uint64, error)

	// Get retrieves a committed record by sequence number.
	Get(ctx context.Context, seq uint64) (*Record, error)

	// ReadFrom returns up to limit records at or after seq, in order.
	ReadFrom(ctx context.Context, seq uint64, limit int) ([]*Record, error)

	// Contains reports whether an event_id is already committed.
	Contains(ctx context.Context, eventID string) (bool, error)

	// LastSequence returns the highest committed sequence number.
	LastSequence(ctx context.Context) (uint64, error)

	// Head returns the cumulative chain hash over all committed records.
	Head(ctx context.Context) (string, error)
}

// chainHash extends the hash chain with one envelope.
func chainHash(prev string, seq uint64, e *envelope.Event) (string, error) {
	h, err := canonicalize.Hash(map[string]any{
		"prev":     prev,
		"sequence": seq,
		"event_id": e.EventID,
		"event":    e,
	})
	if err != nil {
		return "", fmt.Errorf("eventlog: chain hash failed: %w", err)
	}
	return h, nil
}

const genesisHash = "genesis"

// MemoryLog is the in-memory reference implementation, used in tests and
// as the model the SQLite log is checked against.
type MemoryLog struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]uint64
	head    string
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID: make(map[string]uint64),
		head: genesisHash,
	}
}

func (l *MemoryLog) Append(ctx context.Context, e *envelope.Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byID[e.EventID]; dup {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, e.EventID)
	}

	seq := uint64(len(l.records)) + 1
	h, err := chainHash(l.head, seq, e)
	if err != nil {
		return 0, err
	}

	l.records = append(l.records, &Record{Sequence: seq, Event: e, ChainHash: h})
	l.byID[e.EventID] = seq
	l.head = h
	return seq, nil
}

func (l *MemoryLog) Get(ctx context.Context, seq uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.records)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return l.records[seq-1], nil
}

func (l *MemoryLog) ReadFrom(ctx context.Context, seq uint64, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 {
		seq = 1
	}
	if seq > uint64(len(l.records)) {
		return nil, nil
	}
	end := uint64(len(l.records))
	if limit > 0 && seq+uint64(limit)-1 < end {
		end = seq + uint64(limit) - 1
	}
	out := make([]*Record, 0, end-seq+1)
	out = append(out, l.records[seq-1:end]...)
	return out, nil
}

func (l *MemoryLog) Contains(ctx context.Context, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[eventID]
	return ok, nil
}

func (l *MemoryLog) LastSequence(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records)), nil
}

func (l *MemoryLog) Head(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, nil
}

// Verify walks the chain and reports the first inconsistency.
func (l *MemoryLog) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for _, rec := range l.records {
		h, err := chainHash(prev, rec.Sequence, rec.Event)
		if err != nil {
			return err
		}
		if h != rec.ChainHash {
			return fmt.Errorf("eventlog: chain broken at sequence %d", rec.Sequence)
		}
		prev = h
	}
	return nil
}
