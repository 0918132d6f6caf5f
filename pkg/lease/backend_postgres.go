package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend stores the lease record in a single-row table. The CAS
// is an UPDATE guarded on the stored epoch; Postgres row-level locking
// makes the read-check-write atomic, so this backend is trusted for
// multi-node exclusivity.
type PostgresBackend struct {
	db  *sql.DB
	key string
}

// NewPostgresBackend creates the backend and its table.
func NewPostgresBackend(db *sql.DB, key string) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db, key: key}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenPostgres opens a connection pool for connString.
func OpenPostgres(connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("lease: open postgres: %w", err)
	}
	return db, nil
}

func (b *PostgresBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS leader_lease (
		lease_key  TEXT PRIMARY KEY,
		leader_id  TEXT NOT NULL,
		epoch      BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := b.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("lease: migrate: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Strong() bool { return true }

func (b *PostgresBackend) Load(ctx context.Context) (*Lease, error) {
	var l Lease
	err := b.db.QueryRowContext(ctx,
		`SELECT leader_id, epoch, expires_at FROM leader_lease WHERE lease_key = $1`,
		b.key).Scan(&l.LeaderID, &l.Epoch, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: postgres load: %w", err)
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

func (b *PostgresBackend) CompareAndSwap(ctx context.Context, expectEpoch int64, next Lease) (bool, error) {
	if expectEpoch == 0 {
		// Record must not exist yet; rely on the primary key for atomicity.
		res, err := b.db.ExecContext(ctx, `
			INSERT INTO leader_lease (lease_key, leader_id, epoch, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (lease_key) DO NOTHING`,
			b.key, next.LeaderID, next.Epoch, next.ExpiresAt.UTC())
		if err != nil {
			return false, fmt.Errorf("lease: postgres insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("lease: postgres insert result: %w", err)
		}
		return n == 1, nil
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE leader_lease
		SET leader_id = $1, epoch = $2, expires_at = $3
		WHERE lease_key = $4 AND epoch = $5`,
		next.LeaderID, next.Epoch, next.ExpiresAt.UTC(), b.key, expectEpoch)
	if err != nil {
		return false, fmt.Errorf("lease: postgres cas: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease: postgres cas result: %w", err)
	}
	return n == 1, nil
}
