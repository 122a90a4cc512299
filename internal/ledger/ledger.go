package ledger

import (
	"context"
	"fmt"
)

// Ledger is the append-only record of runs, keyed by run_id. Status
// transitions re-append the same run; terminal rows are never modified.
type Ledger interface {
	// Append records a run snapshot. Appending an existing run_id updates
	// its non-terminal row; appends against a terminal row are ignored.
	Append(ctx context.Context, run Run) error

	// Query returns runs for a pair, optionally filtered by status.
	Query(ctx context.Context, table, platform string, statuses ...Status) ([]Run, error)

	// ActiveForSet reports whether any non-terminal run exists for the
	// given partition set key. Used to prevent duplicate submission under
	// scheduler retries and crash-restart.
	ActiveForSet(ctx context.Context, table, platform, setKey string) (bool, error)

	Close() error
}

// Config configures the run ledger backend.
type Config struct {
	Backend     string // "file" | "postgres"
	Dir         string
	PostgresDSN string
}

// New creates a run ledger based on configuration.
func New(cfg Config) (Ledger, error) {
	switch cfg.Backend {
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("Dir required for file backend")
		}
		return NewFileLedger(cfg.Dir)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("PostgresDSN required for postgres backend")
		}
		return NewPostgresLedger(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Backend)
	}
}
