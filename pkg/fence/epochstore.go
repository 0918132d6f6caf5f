package fence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// MemoryEpochStore is the in-memory reference implementation.
type MemoryEpochStore struct {
	mu      sync.RWMutex
	highest map[string]int64
}

// NewMemoryEpochStore creates an empty store.
func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{highest: make(map[string]int64)}
}

func (s *MemoryEpochStore) Highest(ctx context.Context, stream string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest[stream], nil
}

func (s *MemoryEpochStore) Record(ctx context.Context, stream string, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.highest[stream] {
		s.highest[stream] = epoch
	}
	return nil
}

// SQLiteEpochStore persists per-stream highest epochs in the node database.
type SQLiteEpochStore struct {
	db *sql.DB
}

// NewSQLiteEpochStore creates the store and runs migrations.
func NewSQLiteEpochStore(db *sql.DB) (*SQLiteEpochStore, error) {
	s := &SQLiteEpochStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEpochStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS command_stream_epochs (
		stream        TEXT PRIMARY KEY,
		highest_epoch INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("fence: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteEpochStore) Highest(ctx context.Context, stream string) (int64, error) {
	var epoch sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT highest_epoch FROM command_stream_epochs WHERE stream = ?`, stream).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fence: read epoch for %s: %w", stream, err)
	}
	return epoch.Int64, nil
}

func (s *SQLiteEpochStore) Record(ctx context.Context, stream string, epoch int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_stream_epochs (stream, highest_epoch) VALUES (?, ?)
		ON CONFLICT(stream) DO UPDATE SET highest_epoch = excluded.highest_epoch
		WHERE excluded.highest_epoch > command_stream_epochs.highest_epoch`, stream, epoch)
	if err != nil {
		return fmt.Errorf("fence: record epoch for %s: %w", stream, err)
	}
	return nil
}
