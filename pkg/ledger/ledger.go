// Package ledger provides append-only, hash-chained audit ledgers.
//
// Two ledgers back the control plane: command outcomes (every gate
// admission, rejection, and actuation failure) and lease history (every
// acquisition, renewal and release with its epoch). Entries are never
// deleted or mutated; each is chained to its predecessor so the record
// is tamper-evident.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmind/convoy/pkg/canonicalize"
)

// Name identifies a ledger stream.
type Name string

const (
	CommandOutcomes Name = "COMMAND_OUTCOMES"
	LeaseHistory    Name = "LEASE_HISTORY"
)

// Entry is one immutable, hash-chained record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Author      string         `json:"author,omitempty"`
	Data        map[string]any `json:"data"`
}

// Ledger is the append-only audit ledger contract.
type Ledger interface {
	Append(ctx context.Context, entryType, author string, data map[string]any) (uint64, error)
	Get(ctx context.Context, seq uint64) (*Entry, error)
	List(ctx context.Context, limit int) ([]*Entry, error)
	Head(ctx context.Context) (string, error)
	Length(ctx context.Context) (uint64, error)
}

const genesisHash = "genesis"

func entryHash(seq uint64, entryType string, data map[string]any, prev string) (string, error) {
	h, err := canonicalize.Hash(map[string]any{
		"seq":  seq,
		"type": entryType,
		"data": data,
		"prev": prev,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: entry hash failed: %w", err)
	}
	return h, nil
}

// MemoryLedger is the in-memory reference implementation.
type MemoryLedger struct {
	mu      sync.RWMutex
	name    Name
	entries []Entry
	head    string
	clock   func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger(name Name) *MemoryLedger {
	return &MemoryLedger{name: name, head: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, entryType, author string, data map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	hash, err := entryHash(seq, entryType, data, l.head)
	if err != nil {
		return 0, err
	}
	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: hash,
		PrevHash:    l.head,
		Timestamp:   l.clock().UTC(),
		Author:      author,
		Data:        data,
	})
	l.head = hash
	return seq, nil
}

func (l *MemoryLedger) Get(ctx context.Context, seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger: entry %d not found", seq)
	}
	e := l.entries[seq-1]
	return &e, nil
}

func (l *MemoryLedger) List(ctx context.Context, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		e := l.entries[i]
		out = append(out, &e)
	}
	return out, nil
}

func (l *MemoryLedger) Head(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, nil
}

func (l *MemoryLedger) Length(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}

// Verify walks the chain and recomputes every hash.
func (l *MemoryLedger) Verify(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for _, e := range l.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("ledger: chain broken at entry %d", e.Sequence)
		}
		computed, err := entryHash(e.Sequence, e.EntryType, e.Data, e.PrevHash)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("ledger: hash mismatch at entry %d", e.Sequence)
		}
		prev = e.ContentHash
	}
	return nil
}
