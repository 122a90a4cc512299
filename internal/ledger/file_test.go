package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

func testBatch(days ...int) []partition.Partition {
	parts := make([]partition.Partition, len(days))
	for i, day := range days {
		parts[i] = partition.Partition{
			Table:    "orders",
			Date:     partition.Date{Year: 2024, Month: 1, Day: day},
			Location: "file:///data/orders",
		}
	}
	return parts
}

func newTestLedger(t *testing.T) *FileLedger {
	t.Helper()
	l, err := NewFileLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLedger failed: %v", err)
	}
	return l
}

func TestAppendAndQuery(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run := NewRun("orders", "warehouse_a", testBatch(1, 2), 1)
	if err := l.Append(ctx, run); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	runs, err := l.Query(ctx, "orders", "warehouse_a")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.RunID != run.RunID || got.Status != StatusQueued || got.Attempt != 1 {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.Partitions) != 2 {
		t.Errorf("partitions = %d, want 2", len(got.Partitions))
	}
}

func TestAppendUpdatesNonTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run := NewRun("orders", "wh", testBatch(1), 1)
	l.Append(ctx, run)

	run.Status = StatusRunning
	if err := l.Append(ctx, run); err != nil {
		t.Fatalf("Append update failed: %v", err)
	}

	runs, _ := l.Query(ctx, "orders", "wh")
	if len(runs) != 1 || runs[0].Status != StatusRunning {
		t.Fatalf("got %+v", runs)
	}
}

func TestTerminalRunsImmutable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run := NewRun("orders", "wh", testBatch(1), 1)
	run.Status = StatusSucceeded
	now := time.Now().UTC()
	run.CompletedAt = &now
	l.Append(ctx, run)

	// A late append against the terminal row is silently dropped.
	run.Status = StatusRunning
	run.CompletedAt = nil
	if err := l.Append(ctx, run); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	runs, _ := l.Query(ctx, "orders", "wh")
	if len(runs) != 1 || runs[0].Status != StatusSucceeded {
		t.Fatalf("terminal row was modified: %+v", runs)
	}
	if runs[0].CompletedAt == nil {
		t.Error("CompletedAt lost")
	}
}

func TestQueryFiltersByStatus(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	a := NewRun("orders", "wh", testBatch(1), 1)
	a.Status = StatusSucceeded
	b := NewRun("orders", "wh", testBatch(2), 1)
	b.Status = StatusFailed
	c := NewRun("orders", "wh", testBatch(3), 1)

	for _, r := range []Run{a, b, c} {
		if err := l.Append(ctx, r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	failed, err := l.Query(ctx, "orders", "wh", StatusFailed)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(failed) != 1 || failed[0].RunID != b.RunID {
		t.Fatalf("got %+v", failed)
	}

	terminal, _ := l.Query(ctx, "orders", "wh", StatusSucceeded, StatusFailed)
	if len(terminal) != 2 {
		t.Fatalf("got %d terminal runs, want 2", len(terminal))
	}
}

func TestQueryScopedToPair(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.Append(ctx, NewRun("orders", "warehouse_a", testBatch(1), 1))
	l.Append(ctx, NewRun("orders", "warehouse_b", testBatch(1), 1))
	l.Append(ctx, NewRun("page_views", "warehouse_a", testBatch(1), 1))

	runs, _ := l.Query(ctx, "orders", "warehouse_a")
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
}

func TestActiveForSet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run := NewRun("orders", "wh", testBatch(1, 2, 3), 1)
	l.Append(ctx, run)

	active, err := l.ActiveForSet(ctx, "orders", "wh", run.SetKey())
	if err != nil {
		t.Fatalf("ActiveForSet failed: %v", err)
	}
	if !active {
		t.Error("queued run not reported active")
	}

	// Other set key is not active
	active, _ = l.ActiveForSet(ctx, "orders", "wh", "2024-02-01")
	if active {
		t.Error("unrelated set reported active")
	}

	// Terminal run is not active
	run.Status = StatusFailed
	l.Append(ctx, run)
	active, _ = l.ActiveForSet(ctx, "orders", "wh", run.SetKey())
	if active {
		t.Error("terminal run reported active")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusQueued, StatusSubmitted, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s not reported terminal", s)
		}
	}
}

func TestRunMaxDateAndSetKey(t *testing.T) {
	run := NewRun("orders", "wh", testBatch(3, 1, 2), 1)
	if got := run.MaxDate(); got != (partition.Date{Year: 2024, Month: 1, Day: 3}) {
		t.Errorf("MaxDate = %v", got)
	}
	if got := run.SetKey(); got != "2024-01-01,2024-01-02,2024-01-03" {
		t.Errorf("SetKey = %q", got)
	}
}
