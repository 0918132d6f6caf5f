package cursor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fleetmind/convoy/pkg/eventlog"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := eventlog.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ss, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": ss,
	}
}

func TestCursorStartsAtZero(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			seq, err := s.Cursor(context.Background(), "local")
			if err != nil {
				t.Fatal(err)
			}
			if seq != 0 {
				t.Fatalf("fresh cursor should be 0, got %d", seq)
			}
		})
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Advance(ctx, "local", 5, OpDispatch, "evt-aaa"); err != nil {
				t.Fatal(err)
			}
			seq, _ := s.Cursor(ctx, "local")
			if seq != 5 {
				t.Fatalf("expected cursor 5, got %d", seq)
			}
			err := s.Advance(ctx, "local", 3, OpDispatch, "evt-bbb")
			if !errors.Is(err, ErrCursorRegression) {
				t.Fatalf("expected ErrCursorRegression, got %v", err)
			}
			// Same position is allowed (idempotent re-advance).
			if err := s.Advance(ctx, "local", 5, OpDispatch, "evt-aaa"); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestAdvanceRecordsSeen(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Advance(ctx, "local", 1, OpDispatch, "evt-aaa"); err != nil {
				t.Fatal(err)
			}
			seen, err := s.Seen(ctx, OpDispatch, "evt-aaa")
			if err != nil {
				t.Fatal(err)
			}
			if !seen {
				t.Fatal("advanced event must be in dispatch seen-set")
			}
			seen, _ = s.Seen(ctx, OpExport, "evt-aaa")
			if seen {
				t.Fatal("seen-sets are per operation")
			}
		})
	}
}

func TestMarkSeenIdempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.MarkSeen(ctx, OpImport, "evt-x", "evt-y"); err != nil {
				t.Fatal(err)
			}
			if err := s.MarkSeen(ctx, OpImport, "evt-x"); err != nil {
				t.Fatalf("re-marking must be a no-op, got %v", err)
			}
			seen, _ := s.Seen(ctx, OpImport, "evt-y")
			if !seen {
				t.Fatal("marked event missing from seen-set")
			}
		})
	}
}

func TestSQLiteSeenSetBounded(t *testing.T) {
	ctx := context.Background()
	db, err := eventlog.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	s, err := NewSQLiteStore(db, 10)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 25; i++ {
		if err := s.MarkSeen(ctx, OpExport, fmt.Sprintf("evt-%03d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// Oldest entries are pruned, newest retained.
	seen, _ := s.Seen(ctx, OpExport, "evt-000")
	if seen {
		t.Fatal("oldest entry should have been pruned")
	}
	seen, _ = s.Seen(ctx, OpExport, "evt-024")
	if !seen {
		t.Fatal("newest entry must be retained")
	}
}

func TestSQLiteCursorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	db, err := eventlog.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(ctx, "local", 7, OpDispatch, "evt-aaa"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db2, err := eventlog.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()
	s2, err := NewSQLiteStore(db2, 0)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := s2.Cursor(ctx, "local")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 {
		t.Fatalf("cursor must survive restart, got %d", seq)
	}
	seen, _ := s2.Seen(ctx, OpDispatch, "evt-aaa")
	if !seen {
		t.Fatal("seen-set must survive restart")
	}
}
