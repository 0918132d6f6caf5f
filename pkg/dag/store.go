package dag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryStore is the in-memory reference implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]map[string]*Task // dag_id -> task_id -> task
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]map[string]*Task)}
}

func (s *MemoryStore) Put(ctx context.Context, t *Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tasks[t.DAGID]
	if byID == nil {
		byID = make(map[string]*Task)
		s.tasks[t.DAGID] = byID
	}
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	byID[t.TaskID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, dagID, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[dagID][taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, dagID, taskID)
	}
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, dagID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks[dagID]))
	for _, t := range s.tasks[dagID] {
		cp := *t
		cp.Dependencies = append([]string(nil), t.Dependencies...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// SQLiteStore persists task records in the node database, one row per
// task keyed (dag_id, task_id).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dag_tasks (
		dag_id        TEXT NOT NULL,
		task_id       TEXT NOT NULL,
		dependencies  TEXT NOT NULL,
		state         TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		claimed_epoch INTEGER NOT NULL DEFAULT 0,
		claimed_at    TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (dag_id, task_id)
	)`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("dag: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, t *Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("dag: encode dependencies: %w", err)
	}
	claimedAt := ""
	if !t.ClaimedAt.IsZero() {
		claimedAt = t.ClaimedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dag_tasks (dag_id, task_id, dependencies, state, attempt, claimed_epoch, claimed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dag_id, task_id) DO UPDATE SET
			dependencies = excluded.dependencies,
			state = excluded.state,
			attempt = excluded.attempt,
			claimed_epoch = excluded.claimed_epoch,
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at`,
		t.DAGID, t.TaskID, string(deps), string(t.State), t.Attempt,
		t.ClaimedEpoch, claimedAt, t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dag: put %s/%s: %w", t.DAGID, t.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, dagID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dag_id, task_id, dependencies, state, attempt, claimed_epoch, claimed_at, updated_at
		FROM dag_tasks WHERE dag_id = ? AND task_id = ?`, dagID, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, dagID, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("dag: get %s/%s: %w", dagID, taskID, err)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context, dagID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dag_id, task_id, dependencies, state, attempt, claimed_epoch, claimed_at, updated_at
		FROM dag_tasks WHERE dag_id = ? ORDER BY task_id`, dagID)
	if err != nil {
		return nil, fmt.Errorf("dag: list %s: %w", dagID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("dag: list %s: %w", dagID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dag: list %s: %w", dagID, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t         Task
		deps      string
		state     string
		claimedAt string
		updatedAt string
	)
	if err := row.Scan(&t.DAGID, &t.TaskID, &deps, &state, &t.Attempt,
		&t.ClaimedEpoch, &claimedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	t.State = State(state)
	if claimedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, claimedAt)
		if err != nil {
			return nil, fmt.Errorf("decode claimed_at: %w", err)
		}
		t.ClaimedAt = ts
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	t.UpdatedAt = ts
	return &t, nil
}
