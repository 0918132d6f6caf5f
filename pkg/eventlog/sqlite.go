package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetmind/convoy/pkg/envelope"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the durable event log. A single writer per node is
// assumed; each Append runs in one transaction so a crash can never
// leave a half-committed record.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the log and runs migrations.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Open opens (or creates) the node database at path with the pragmas the
// control plane relies on: WAL for crash-atomic commits, foreign keys on.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL UNIQUE,
		timestamp    TEXT NOT NULL,
		topic        TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		node_id      TEXT NOT NULL,
		causation_id TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		payload      JSON,
		chain_hash   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, e *envelope.Event) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE event_id = ?`, e.EventID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("eventlog: duplicate check: %w", err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, e.EventID)
	}

	var prev sql.NullString
	var lastSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT seq, chain_hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("eventlog: read head: %w", err)
	}
	head := genesisHash
	if prev.Valid {
		head = prev.String
	}
	seq := uint64(lastSeq.Int64) + 1

	h, err := chainHash(head, seq, e)
	if err != nil {
		return 0, err
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: encode payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (seq, event_id, timestamp, topic, event_type, node_id, causation_id, source, payload, chain_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, e.EventID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Topic, e.EventType, e.NodeID, e.CausationID, e.Source, string(payloadJSON), h,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return 0, fmt.Errorf("%w: %s", ErrDuplicate, e.EventID)
		}
		return 0, fmt.Errorf("eventlog: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog: commit: %w", err)
	}
	return seq, nil
}

func (l *SQLiteLog) Get(ctx context.Context, seq uint64) (*Record, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, event_id, timestamp, topic, event_type, node_id, causation_id, source, payload, chain_hash
		FROM events WHERE seq = ?`, seq)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return rec, err
}

func (l *SQLiteLog) ReadFrom(ctx context.Context, seq uint64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, event_id, timestamp, topic, event_type, node_id, causation_id, source, payload, chain_hash
		FROM events WHERE seq >= ? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read from %d: %w", seq, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *SQLiteLog) Contains(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("eventlog: contains: %w", err)
	}
	return n > 0, nil
}

func (l *SQLiteLog) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("eventlog: last sequence: %w", err)
	}
	return uint64(seq.Int64), nil
}

func (l *SQLiteLog) Head(ctx context.Context) (string, error) {
	var h sql.NullString
	err := l.db.QueryRowContext(ctx, `SELECT chain_hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) || !h.Valid {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("eventlog: head: %w", err)
	}
	return h.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		seq         uint64
		eventID     string
		ts          string
		topic       string
		eventType   string
		nodeID      string
		causationID string
		source      string
		payloadJSON sql.NullString
		hash        string
	)
	if err := row.Scan(&seq, &eventID, &ts, &topic, &eventType, &nodeID, &causationID, &source, &payloadJSON, &hash); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("eventlog: corrupt timestamp in seq %d: %w", seq, err)
	}

	var payload map[string]any
	if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
			return nil, fmt.Errorf("eventlog: corrupt payload in seq %d: %w", seq, err)
		}
	}

	return &Record{
		Sequence: seq,
		Event: &envelope.Event{
			EventID:     eventID,
			Timestamp:   parsed,
			Topic:       topic,
			EventType:   eventType,
			NodeID:      nodeID,
			CausationID: causationID,
			Source:      source,
			Payload:     payload,
		},
		ChainHash: hash,
	}, nil
}
