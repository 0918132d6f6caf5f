package cursor

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists cursors and seen-sets in the node database.
//
// The seen-set is bounded per operation: once maxSeen is exceeded the
// oldest entries are pruned. Entries old enough to be pruned are also
// past the peers' export horizon, so re-examining them is harmless
// (the event log's own uniqueness check still rejects duplicates).
type SQLiteStore struct {
	db      *sql.DB
	maxSeen int
}

// DefaultMaxSeen bounds each operation's seen-set.
const DefaultMaxSeen = 100_000

// NewSQLiteStore creates the store and runs migrations. maxSeen <= 0
// selects DefaultMaxSeen.
func NewSQLiteStore(db *sql.DB, maxSeen int) (*SQLiteStore, error) {
	if maxSeen <= 0 {
		maxSeen = DefaultMaxSeen
	}
	s := &SQLiteStore{db: db, maxSeen: maxSeen}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS cursors (
		stream_id TEXT PRIMARY KEY,
		last_seq  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS seen_events (
		op       TEXT NOT NULL,
		event_id TEXT NOT NULL,
		ordinal  INTEGER PRIMARY KEY AUTOINCREMENT,
		UNIQUE(op, event_id)
	);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("cursor: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cursor(ctx context.Context, streamID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_seq FROM cursors WHERE stream_id = ?`, streamID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor: read %s: %w", streamID, err)
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteStore) Advance(ctx context.Context, streamID string, seq uint64, op, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cursor: begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT last_seq FROM cursors WHERE stream_id = ?`, streamID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("cursor: read current: %w", err)
	}
	if current.Valid && seq < uint64(current.Int64) {
		return fmt.Errorf("%w: stream %s at %d, asked for %d", ErrCursorRegression, streamID, current.Int64, seq)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (stream_id, last_seq) VALUES (?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET last_seq = excluded.last_seq`, streamID, seq)
	if err != nil {
		return fmt.Errorf("cursor: advance: %w", err)
	}
	if err := markSeenTx(ctx, tx, op, eventID); err != nil {
		return err
	}
	if err := s.pruneTx(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cursor: commit advance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Seen(ctx context.Context, op, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM seen_events WHERE op = ? AND event_id = ?`, op, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("cursor: seen lookup: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkSeen(ctx context.Context, op string, eventIDs ...string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cursor: begin mark seen: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range eventIDs {
		if err := markSeenTx(ctx, tx, op, id); err != nil {
			return err
		}
	}
	if err := s.pruneTx(ctx, tx, op); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cursor: commit mark seen: %w", err)
	}
	return nil
}

func markSeenTx(ctx context.Context, tx *sql.Tx, op, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO seen_events (op, event_id) VALUES (?, ?)
		ON CONFLICT(op, event_id) DO NOTHING`, op, eventID)
	if err != nil {
		return fmt.Errorf("cursor: mark seen: %w", err)
	}
	return nil
}

func (s *SQLiteStore) pruneTx(ctx context.Context, tx *sql.Tx, op string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM seen_events
		WHERE op = ? AND ordinal <= (
			SELECT ordinal FROM seen_events WHERE op = ?
			ORDER BY ordinal DESC LIMIT 1 OFFSET ?
		)`, op, op, s.maxSeen)
	if err != nil {
		return fmt.Errorf("cursor: prune seen set: %w", err)
	}
	return nil
}
