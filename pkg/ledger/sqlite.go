package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists a named ledger in the node database. Appends run
// in one transaction each; the chain head is re-read inside the
// transaction so the chain stays consistent under restart.
type SQLiteLedger struct {
	db   *sql.DB
	name Name
}

// NewSQLiteLedger creates the ledger and runs migrations.
func NewSQLiteLedger(db *sql.DB, name Name) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, name: name}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		ledger       TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		entry_type   TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		author       TEXT NOT NULL DEFAULT '',
		data         JSON,
		PRIMARY KEY (ledger, seq)
	);
	`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Append(ctx context.Context, entryType, author string, data map[string]any) (uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq sql.NullInt64
	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, content_hash FROM ledger_entries WHERE ledger = ? ORDER BY seq DESC LIMIT 1`,
		string(l.name)).Scan(&lastSeq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger: read head: %w", err)
	}
	head := genesisHash
	if prev.Valid {
		head = prev.String
	}
	seq := uint64(lastSeq.Int64) + 1

	hash, err := entryHash(seq, entryType, data, head)
	if err != nil {
		return 0, err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("ledger: encode data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (ledger, seq, entry_type, content_hash, prev_hash, timestamp, author, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(l.name), seq, entryType, hash, head,
		time.Now().UTC().Format(time.RFC3339Nano), author, string(dataJSON))
	if err != nil {
		return 0, fmt.Errorf("ledger: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit: %w", err)
	}
	return seq, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, seq uint64) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, entry_type, content_hash, prev_hash, timestamp, author, data
		FROM ledger_entries WHERE ledger = ? AND seq = ?`, string(l.name), seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: entry %d not found", seq)
	}
	return e, err
}

func (l *SQLiteLedger) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, entry_type, content_hash, prev_hash, timestamp, author, data
		FROM ledger_entries WHERE ledger = ? ORDER BY seq DESC LIMIT ?`, string(l.name), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *SQLiteLedger) Head(ctx context.Context) (string, error) {
	var h sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT content_hash FROM ledger_entries WHERE ledger = ? ORDER BY seq DESC LIMIT 1`,
		string(l.name)).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) || !h.Valid {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: head: %w", err)
	}
	return h.String, nil
}

func (l *SQLiteLedger) Length(ctx context.Context) (uint64, error) {
	var n sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM ledger_entries WHERE ledger = ?`, string(l.name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: length: %w", err)
	}
	return uint64(n.Int64), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		seq       uint64
		entryType string
		hash      string
		prev      string
		ts        string
		author    string
		dataJSON  sql.NullString
	)
	if err := row.Scan(&seq, &entryType, &hash, &prev, &ts, &author, &dataJSON); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt timestamp in entry %d: %w", seq, err)
	}
	var data map[string]any
	if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
		if err := json.Unmarshal([]byte(dataJSON.String), &data); err != nil {
			return nil, fmt.Errorf("ledger: corrupt data in entry %d: %w", seq, err)
		}
	}
	return &Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: hash,
		PrevHash:    prev,
		Timestamp:   parsed,
		Author:      author,
		Data:        data,
	}, nil
}
