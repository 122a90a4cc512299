package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// fileState is the on-disk layout for one (table, platform) pair.
type fileState struct {
	Table         string          `json:"table"`
	Platform      string          `json:"platform"`
	LastProcessed *partition.Date `json:"last_processed,omitempty"`
	InFlight      []string        `json:"in_flight"`
	Failed        []string        `json:"failed"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FileStore persists watermarks as one JSON file per (table, platform)
// pair, written atomically via temp file + rename. A per-key mutex gives
// single-process atomicity without blocking other keys.
type FileStore struct {
	dir   string
	mu    sync.Mutex // guards locks map only
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file-backed watermark store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create watermark directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) keyLock(table, platform string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := table + "\x00" + platform
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FileStore) path(table, platform string) string {
	return filepath.Join(s.dir, fmt.Sprintf("watermark_%s_%s.json", table, platform))
}

// Get returns the watermark for a pair.
func (s *FileStore) Get(ctx context.Context, table, platform string) (Watermark, error) {
	l := s.keyLock(table, platform)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(table, platform)
	if err != nil {
		return NewWatermark(table, platform), err
	}
	return stateToWatermark(st), nil
}

// Advance moves last_processed forward; earlier dates are a no-op.
func (s *FileStore) Advance(ctx context.Context, table, platform string, d partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		if st.LastProcessed == nil || !d.Before(*st.LastProcessed) {
			st.LastProcessed = &d
		}
	})
}

// AdvanceOverride sets last_processed unconditionally. Backfill only.
func (s *FileStore) AdvanceOverride(ctx context.Context, table, platform string, d partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		st.LastProcessed = &d
	})
}

// MarkInFlight adds dates to the in-flight set.
func (s *FileStore) MarkInFlight(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		st.InFlight = addKeys(st.InFlight, dates)
	})
}

// ClearInFlight removes dates from the in-flight set.
func (s *FileStore) ClearInFlight(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		st.InFlight = removeKeys(st.InFlight, dates)
	})
}

// MarkFailed moves dates from the in-flight set into the failed set.
func (s *FileStore) MarkFailed(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		st.InFlight = removeKeys(st.InFlight, dates)
		st.Failed = addKeys(st.Failed, dates)
	})
}

// ClearFailed removes dates from the failed set (manual replay).
func (s *FileStore) ClearFailed(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.update(table, platform, func(st *fileState) {
		st.Failed = removeKeys(st.Failed, dates)
	})
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// update applies a mutation under the pair's lock and writes atomically.
func (s *FileStore) update(table, platform string, mutate func(*fileState)) error {
	l := s.keyLock(table, platform)
	l.Lock()
	defer l.Unlock()

	st, err := s.load(table, platform)
	if err != nil {
		return err
	}

	mutate(st)
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	path := s.path(table, platform)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write watermark temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename watermark file: %w", err)
	}
	return nil
}

// load reads the pair's state file, returning a fresh state when absent.
func (s *FileStore) load(table, platform string) (*fileState, error) {
	data, err := os.ReadFile(s.path(table, platform))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileState{Table: table, Platform: platform}, nil
		}
		return nil, fmt.Errorf("read watermark file: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse watermark file: %w", err)
	}
	return &st, nil
}

func stateToWatermark(st *fileState) Watermark {
	wm := NewWatermark(st.Table, st.Platform)
	wm.LastProcessed = st.LastProcessed
	for _, k := range st.InFlight {
		if d, ok := partition.ParseDateKey(k); ok {
			wm.InFlight[k] = d
		}
	}
	for _, k := range st.Failed {
		if d, ok := partition.ParseDateKey(k); ok {
			wm.Failed[k] = d
		}
	}
	return wm
}

func addKeys(keys []string, dates []partition.Date) []string {
	set := toSet(keys)
	for _, d := range dates {
		set[d.Key()] = true
	}
	return sortedKeys(set)
}

func removeKeys(keys []string, dates []partition.Date) []string {
	set := toSet(keys)
	for _, d := range dates {
		delete(set, d.Key())
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]bool) []string {
	out := setToSlice(set)
	sort.Strings(out)
	return out
}
