package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileLedger persists one JSON document per run in a directory, written
// atomically via temp file + rename.
type FileLedger struct {
	dir string
	mu  sync.Mutex
}

// NewFileLedger creates a file-backed run ledger rooted at dir.
func NewFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}
	return &FileLedger{dir: dir}, nil
}

func (l *FileLedger) path(runID string) string {
	return filepath.Join(l.dir, "run_"+runID+".json")
}

// Append writes a run snapshot. Terminal rows on disk are never replaced.
func (l *FileLedger) Append(ctx context.Context, run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(run.RunID)
	if existing, err := l.read(path); err == nil && existing.Status.Terminal() {
		return nil
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write run temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Query returns runs for a pair in submission order.
func (l *FileLedger) Query(ctx context.Context, table, platform string, statuses ...Status) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	runs, err := l.readAll()
	if err != nil {
		return nil, err
	}

	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var out []Run
	for _, r := range runs {
		if r.Table != table || r.Platform != platform {
			continue
		}
		if len(wanted) > 0 && !wanted[r.Status] {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// ActiveForSet reports whether a non-terminal run exists for a set key.
func (l *FileLedger) ActiveForSet(ctx context.Context, table, platform, setKey string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	runs, err := l.readAll()
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		if r.Table == table && r.Platform == platform &&
			r.SetKey() == setKey && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op for the file ledger.
func (l *FileLedger) Close() error { return nil }

func (l *FileLedger) readAll() ([]Run, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger directory: %w", err)
	}

	var runs []Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "run_") || filepath.Ext(name) != ".json" {
			continue
		}
		r, err := l.read(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func (l *FileLedger) read(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, fmt.Errorf("read run file: %w", err)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return Run{}, fmt.Errorf("parse run file %s: %w", path, err)
	}
	return r, nil
}
