package watermark

import (
	"context"
	"sync"
	"testing"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func TestGetUnknownPairIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm, err := s.Get(ctx, "orders", "warehouse_a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if wm.LastProcessed != nil {
		t.Errorf("LastProcessed = %v, want nil", wm.LastProcessed)
	}
	if len(wm.InFlight) != 0 || len(wm.Failed) != 0 {
		t.Errorf("sets not empty: %+v", wm)
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d5 := partition.Date{Year: 2024, Month: 1, Day: 5}
	d3 := partition.Date{Year: 2024, Month: 1, Day: 3}
	d7 := partition.Date{Year: 2024, Month: 1, Day: 7}

	if err := s.Advance(ctx, "orders", "warehouse_a", d5); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	// Earlier date: no-op, not an error
	if err := s.Advance(ctx, "orders", "warehouse_a", d3); err != nil {
		t.Fatalf("Advance earlier failed: %v", err)
	}
	wm, _ := s.Get(ctx, "orders", "warehouse_a")
	if wm.LastProcessed == nil || *wm.LastProcessed != d5 {
		t.Errorf("LastProcessed = %v, want %v", wm.LastProcessed, d5)
	}

	// Later date: advances
	if err := s.Advance(ctx, "orders", "warehouse_a", d7); err != nil {
		t.Fatalf("Advance later failed: %v", err)
	}
	wm, _ = s.Get(ctx, "orders", "warehouse_a")
	if wm.LastProcessed == nil || *wm.LastProcessed != d7 {
		t.Errorf("LastProcessed = %v, want %v", wm.LastProcessed, d7)
	}

	// Equal date: idempotent
	if err := s.Advance(ctx, "orders", "warehouse_a", d7); err != nil {
		t.Fatalf("Advance equal failed: %v", err)
	}
}

func TestAdvanceOverrideRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d5 := partition.Date{Year: 2024, Month: 1, Day: 5}
	d1 := partition.Date{Year: 2024, Month: 1, Day: 1}

	s.Advance(ctx, "orders", "warehouse_a", d5)
	if err := s.AdvanceOverride(ctx, "orders", "warehouse_a", d1); err != nil {
		t.Fatalf("AdvanceOverride failed: %v", err)
	}
	wm, _ := s.Get(ctx, "orders", "warehouse_a")
	if wm.LastProcessed == nil || *wm.LastProcessed != d1 {
		t.Errorf("LastProcessed = %v, want %v", wm.LastProcessed, d1)
	}
}

func TestInFlightAndFailedSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := partition.Date{Year: 2024, Month: 1, Day: 1}
	d2 := partition.Date{Year: 2024, Month: 1, Day: 2}

	if err := s.MarkInFlight(ctx, "orders", "wh", []partition.Date{d1, d2}); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}
	wm, _ := s.Get(ctx, "orders", "wh")
	if len(wm.InFlight) != 2 {
		t.Fatalf("InFlight = %v", wm.InFlight)
	}

	// Marking failed moves out of in-flight
	if err := s.MarkFailed(ctx, "orders", "wh", []partition.Date{d2}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	wm, _ = s.Get(ctx, "orders", "wh")
	if len(wm.InFlight) != 1 {
		t.Errorf("InFlight = %v, want only %v", wm.InFlight, d1)
	}
	if _, ok := wm.Failed[d2.Key()]; !ok || len(wm.Failed) != 1 {
		t.Errorf("Failed = %v", wm.Failed)
	}

	if err := s.ClearInFlight(ctx, "orders", "wh", []partition.Date{d1}); err != nil {
		t.Fatalf("ClearInFlight failed: %v", err)
	}
	if err := s.ClearFailed(ctx, "orders", "wh", []partition.Date{d2}); err != nil {
		t.Fatalf("ClearFailed failed: %v", err)
	}
	wm, _ = s.Get(ctx, "orders", "wh")
	if len(wm.InFlight) != 0 || len(wm.Failed) != 0 {
		t.Errorf("sets not cleared: %+v", wm)
	}
}

func TestMarkInFlightIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := partition.Date{Year: 2024, Month: 1, Day: 1}

	s.MarkInFlight(ctx, "orders", "wh", []partition.Date{d})
	s.MarkInFlight(ctx, "orders", "wh", []partition.Date{d})
	wm, _ := s.Get(ctx, "orders", "wh")
	if len(wm.InFlight) != 1 {
		t.Errorf("InFlight = %v, want one entry", wm.InFlight)
	}
}

func TestPairsIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := partition.Date{Year: 2024, Month: 1, Day: 5}

	s.Advance(ctx, "orders", "warehouse_a", d)

	wm, _ := s.Get(ctx, "orders", "warehouse_b")
	if wm.LastProcessed != nil {
		t.Errorf("warehouse_b inherited progress: %v", wm.LastProcessed)
	}
	wm, _ = s.Get(ctx, "page_views", "warehouse_a")
	if wm.LastProcessed != nil {
		t.Errorf("page_views inherited progress: %v", wm.LastProcessed)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	d := partition.Date{Year: 2024, Month: 1, Day: 5}

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	s1.Advance(ctx, "orders", "wh", d)
	s1.MarkFailed(ctx, "orders", "wh", []partition.Date{{Year: 2024, Month: 1, Day: 6}})
	s1.Close()

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	wm, err := s2.Get(ctx, "orders", "wh")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if wm.LastProcessed == nil || *wm.LastProcessed != d {
		t.Errorf("LastProcessed = %v, want %v", wm.LastProcessed, d)
	}
	if len(wm.Failed) != 1 {
		t.Errorf("Failed = %v", wm.Failed)
	}
}

func TestConcurrentAdvanceKeepsMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for day := 1; day <= 20; day++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			d := partition.Date{Year: 2024, Month: 1, Day: day}
			if err := s.Advance(ctx, "orders", "wh", d); err != nil {
				t.Errorf("Advance(%d) failed: %v", day, err)
			}
		}(day)
	}
	wg.Wait()

	wm, err := s.Get(ctx, "orders", "wh")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := partition.Date{Year: 2024, Month: 1, Day: 20}
	if wm.LastProcessed == nil || *wm.LastProcessed != want {
		t.Errorf("LastProcessed = %v, want %v", wm.LastProcessed, want)
	}
}

func TestWatermarkSortedSetAccessors(t *testing.T) {
	wm := NewWatermark("orders", "wh")
	wm.InFlight["2024-01-03"] = partition.Date{Year: 2024, Month: 1, Day: 3}
	wm.InFlight["2024-01-01"] = partition.Date{Year: 2024, Month: 1, Day: 1}
	wm.InFlight["2024-01-02"] = partition.Date{Year: 2024, Month: 1, Day: 2}

	dates := wm.InFlightDates()
	for i := 1; i < len(dates); i++ {
		if dates[i].Before(dates[i-1]) {
			t.Fatalf("not sorted: %v", dates)
		}
	}
}
