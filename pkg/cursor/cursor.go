// Package cursor tracks per-stream processing position and per-operation
// seen event identities.
//
// The cursor is monotonically non-decreasing; advancing it past a
// sequence and recording the event as seen happen in one crash-atomic
// step, so a crash between handling and advance re-delivers the event
// rather than losing it.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Operations that maintain independent seen-sets. Peer events can arrive
// out of local sequence order, so position alone is not enough to dedupe.
const (
	OpDispatch = "dispatch"
	OpExport   = "export"
	OpImport   = "import"
)

// ErrCursorRegression is returned when an advance would move a cursor
// backwards.
var ErrCursorRegression = errors.New("cursor: refusing to move cursor backwards")

// Store is the durable cursor and seen-set contract. It is exclusively
// owned by the local node process; peers never mutate it.
type Store interface {
	// Cursor returns the last processed sequence for a stream (0 if none).
	Cursor(ctx context.Context, streamID string) (uint64, error)

	// Advance moves the stream cursor to seq and records eventID as seen
	// under op, atomically. seq below the current cursor is an error.
	Advance(ctx context.Context, streamID string, seq uint64, op, eventID string) error

	// Seen reports whether eventID was recorded under op.
	Seen(ctx context.Context, op, eventID string) (bool, error)

	// MarkSeen records event identities under op without touching cursors
	// (used by export/import, which have no stream position).
	MarkSeen(ctx context.Context, op string, eventIDs ...string) error
}

// MemoryStore is the in-memory reference implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]uint64
	seen    map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]uint64),
		seen:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Cursor(ctx context.Context, streamID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[streamID], nil
}

func (s *MemoryStore) Advance(ctx context.Context, streamID string, seq uint64, op, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.cursors[streamID] {
		return fmt.Errorf("%w: stream %s at %d, asked for %d", ErrCursorRegression, streamID, s.cursors[streamID], seq)
	}
	s.cursors[streamID] = seq
	s.markLocked(op, eventID)
	return nil
}

func (s *MemoryStore) Seen(ctx context.Context, op, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[op][eventID]
	return ok, nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, op string, eventIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		s.markLocked(op, id)
	}
	return nil
}

func (s *MemoryStore) markLocked(op, eventID string) {
	set, ok := s.seen[op]
	if !ok {
		set = make(map[string]struct{})
		s.seen[op] = set
	}
	set[eventID] = struct{}{}
}
