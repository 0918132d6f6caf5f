package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fleetmind/convoy/pkg/eventlog"
)

func openLedgers(t *testing.T) map[string]Ledger {
	t.Helper()
	db, err := eventlog.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sl, err := NewSQLiteLedger(db, CommandOutcomes)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Ledger{
		"memory": NewMemoryLedger(CommandOutcomes),
		"sqlite": sl,
	}
}

func TestAppendAndGet(t *testing.T) {
	for name, l := range openLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seq, err := l.Append(ctx, "accepted", "gate", map[string]any{"command_id": "cmd-1"})
			if err != nil {
				t.Fatal(err)
			}
			if seq != 1 {
				t.Fatalf("expected seq 1, got %d", seq)
			}
			e, err := l.Get(ctx, 1)
			if err != nil {
				t.Fatal(err)
			}
			if e.EntryType != "accepted" {
				t.Fatalf("expected accepted, got %s", e.EntryType)
			}
			if e.PrevHash != "genesis" {
				t.Fatalf("first entry chains to genesis, got %s", e.PrevHash)
			}
		})
	}
}

func TestEntriesChain(t *testing.T) {
	for name, l := range openLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.Append(ctx, "accepted", "gate", map[string]any{"command_id": "cmd-1"})
			l.Append(ctx, "rejected_stale_epoch", "gate", map[string]any{"command_id": "cmd-2"})

			e1, _ := l.Get(ctx, 1)
			e2, _ := l.Get(ctx, 2)
			if e2.PrevHash != e1.ContentHash {
				t.Fatal("entry 2 must chain to entry 1")
			}
			head, err := l.Head(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if head != e2.ContentHash {
				t.Fatal("head must be the last content hash")
			}
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	for name, l := range openLedgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.Append(ctx, "accepted", "gate", map[string]any{"n": 1})
			l.Append(ctx, "accepted", "gate", map[string]any{"n": 2})
			l.Append(ctx, "actuation_failed", "gate", map[string]any{"n": 3})

			entries, err := l.List(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
			if entries[0].Sequence != 3 || entries[1].Sequence != 2 {
				t.Fatalf("expected newest first, got %d, %d", entries[0].Sequence, entries[1].Sequence)
			}
		})
	}
}

func TestMemoryLedgerVerify(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(LeaseHistory)
	l.Append(ctx, "acquired", "node-a", map[string]any{"epoch": 1})
	l.Append(ctx, "released", "node-a", map[string]any{"epoch": 1})
	if err := l.Verify(ctx); err != nil {
		t.Fatal(err)
	}

	l.entries[0].Data["epoch"] = 99
	if err := l.Verify(ctx); err == nil {
		t.Fatal("mutated entry must break verification")
	}
}

func TestSQLiteLedgersAreIndependent(t *testing.T) {
	ctx := context.Background()
	db, err := eventlog.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	outcomes, err := NewSQLiteLedger(db, CommandOutcomes)
	if err != nil {
		t.Fatal(err)
	}
	leases, err := NewSQLiteLedger(db, LeaseHistory)
	if err != nil {
		t.Fatal(err)
	}

	outcomes.Append(ctx, "accepted", "gate", map[string]any{"command_id": "cmd-1"})
	leases.Append(ctx, "acquired", "node-a", map[string]any{"epoch": 1})
	leases.Append(ctx, "released", "node-a", map[string]any{"epoch": 1})

	n, err := outcomes.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 outcome entry, got %d", n)
	}
	m, _ := leases.Length(ctx)
	if m != 2 {
		t.Fatalf("expected 2 lease entries, got %d", m)
	}
}
