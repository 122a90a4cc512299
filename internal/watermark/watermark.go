// Package watermark persists per-(table, platform) progress: the highest
// partition confirmed fully processed, plus the in-flight and failed sets.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// ErrConflict indicates a concurrent mutation was detected on the same
// (table, platform) key. Implementations resolve it internally by
// compare-and-set retry; it is surfaced only when retries are exhausted.
var ErrConflict = errors.New("watermark conflict")

// Watermark is the durable progress state for one (table, platform) pair.
type Watermark struct {
	Table    string
	Platform string

	// LastProcessed is the highest partition date confirmed processed.
	// Nil means never processed.
	LastProcessed *partition.Date

	// InFlight holds partition dates currently being processed, keyed by
	// their canonical date key.
	InFlight map[string]partition.Date

	// Failed holds partition dates that exhausted their retry budget and
	// await manual intervention.
	Failed map[string]partition.Date
}

// NewWatermark returns an empty watermark for a pair.
func NewWatermark(table, platform string) Watermark {
	return Watermark{
		Table:    table,
		Platform: platform,
		InFlight: make(map[string]partition.Date),
		Failed:   make(map[string]partition.Date),
	}
}

// InFlightDates returns the in-flight set in calendar order.
func (w Watermark) InFlightDates() []partition.Date { return sortedDates(w.InFlight) }

// FailedDates returns the failed set in calendar order.
func (w Watermark) FailedDates() []partition.Date { return sortedDates(w.Failed) }

func sortedDates(set map[string]partition.Date) []partition.Date {
	out := make([]partition.Date, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Store persists watermarks. All mutations are atomic with respect to
// concurrent callers on the same (table, platform) key; different keys
// never block one another.
type Store interface {
	// Get returns the watermark for a pair, or an empty watermark when the
	// pair has never been processed.
	Get(ctx context.Context, table, platform string) (Watermark, error)

	// Advance sets last_processed to d only if d is calendar-greater-or-
	// equal to the current value. Earlier dates are a no-op, which keeps
	// out-of-order completions from regressing progress.
	Advance(ctx context.Context, table, platform string, d partition.Date) error

	// AdvanceOverride sets last_processed unconditionally. Backfill only.
	AdvanceOverride(ctx context.Context, table, platform string, d partition.Date) error

	// MarkInFlight adds dates to the in-flight set.
	MarkInFlight(ctx context.Context, table, platform string, dates []partition.Date) error

	// ClearInFlight removes dates from the in-flight set.
	ClearInFlight(ctx context.Context, table, platform string, dates []partition.Date) error

	// MarkFailed moves dates into the failed set.
	MarkFailed(ctx context.Context, table, platform string, dates []partition.Date) error

	// ClearFailed removes dates from the failed set. This is the manual
	// replay operation: cleared dates become dispatch candidates again.
	ClearFailed(ctx context.Context, table, platform string, dates []partition.Date) error

	Close() error
}

// Config configures the watermark store backend.
type Config struct {
	Backend     string // "file" | "postgres"
	Dir         string // file backend: state directory
	PostgresDSN string // postgres backend
}

// NewStore creates a watermark store based on configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("Dir required for file backend")
		}
		return NewFileStore(cfg.Dir)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("PostgresDSN required for postgres backend")
		}
		return NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}
