package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

func writeObject(t *testing.T, root, key string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestScanner(t *testing.T, dir string) Scanner {
	t.Helper()
	sc, err := New(Config{Backend: "local", LocalDir: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { sc.Close() })
	return sc
}

func TestScanFindsPartitionsInOrder(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "orders/2024/01/03/part-000.parquet")
	writeObject(t, dir, "orders/2024/01/01/part-000.parquet")
	writeObject(t, dir, "orders/2024/01/02/part-000.parquet")

	sc := newTestScanner(t, dir)
	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []partition.Date{
		{Year: 2024, Month: 1, Day: 1},
		{Year: 2024, Month: 1, Day: 2},
		{Year: 2024, Month: 1, Day: 3},
	}
	if len(parts) != len(want) {
		t.Fatalf("got %d partitions, want %d", len(parts), len(want))
	}
	for i, p := range parts {
		if p.Date != want[i] {
			t.Errorf("parts[%d].Date = %v, want %v", i, p.Date, want[i])
		}
		if p.Table != "orders" {
			t.Errorf("parts[%d].Table = %q", i, p.Table)
		}
		if p.Location == "" {
			t.Errorf("parts[%d].Location empty", i)
		}
	}
}

func TestScanSkipsMalformedKeys(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "orders/2024/01/01/part-000.parquet")
	writeObject(t, dir, "orders/2024/01/notes.txt")      // missing day segment
	writeObject(t, dir, "orders/2024/02/30/part.parquet") // impossible date
	writeObject(t, dir, "orders/manifest.json")

	sc := newTestScanner(t, dir)
	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1: %+v", len(parts), parts)
	}
	if parts[0].Date != (partition.Date{Year: 2024, Month: 1, Day: 1}) {
		t.Errorf("unexpected partition %v", parts[0])
	}
}

func TestScanCollapsesMultipleObjectsPerDay(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "orders/2024/01/01/part-000.parquet")
	writeObject(t, dir, "orders/2024/01/01/part-001.parquet")
	writeObject(t, dir, "orders/2024/01/01/part-002.parquet")

	sc := newTestScanner(t, dir)
	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1 (one per day)", len(parts))
	}
}

func TestScanIgnoresOtherTables(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "orders/2024/01/01/part.parquet")
	writeObject(t, dir, "page_views/2024/01/01/part.parquet")

	sc := newTestScanner(t, dir)
	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(parts) != 1 || parts[0].Table != "orders" {
		t.Fatalf("got %+v", parts)
	}
}

func TestScanEmptyTable(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "page_views/2024/01/01/part.parquet")

	sc := newTestScanner(t, dir)
	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("got %d partitions, want 0", len(parts))
	}
}

func TestScanWithPrefix(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "lake/raw/orders/2024/01/01/part.parquet")
	writeObject(t, dir, "orders/2024/01/02/part.parquet") // outside the prefix

	sc, err := New(Config{Backend: "local", LocalDir: dir, Prefix: "lake/raw/"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer sc.Close()

	parts, err := sc.Scan(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(parts) != 1 || parts[0].Date != (partition.Date{Year: 2024, Month: 1, Day: 1}) {
		t.Fatalf("got %+v", parts)
	}
}

// A listing failure surfaces as a ScanError classified source-unavailable,
// not as skipped entries.
func TestScanSourceUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeObject(t, dir, "orders/2024/01/01/part.parquet")
	sc := newTestScanner(t, dir)

	// Pull the directory out from under the open bucket so the listing
	// itself fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}

	_, err := sc.Scan(context.Background(), "orders")
	if err == nil {
		t.Fatal("expected error from unreachable listing")
	}
	var serr *ScanError
	if !errors.As(err, &serr) {
		t.Fatalf("error %T is not a ScanError: %v", err, err)
	}
	if serr.Source == "" {
		t.Error("ScanError.Source empty")
	}
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("errors.Is(err, ErrSourceUnavailable) = false for %v", err)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewLocalMissingDir(t *testing.T) {
	if _, err := New(Config{Backend: "local", LocalDir: "/nonexistent/path/xyz"}); err == nil {
		t.Error("expected error for missing directory")
	}
}
