package watermark

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

//go:embed schema.sql
var schemaSQL string

// casRetries bounds the optimistic compare-and-set loop for set mutations.
const casRetries = 8

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the watermark table
// exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Get returns the watermark for a pair.
func (s *PostgresStore) Get(ctx context.Context, table, platform string) (Watermark, error) {
	query := `
		SELECT last_year, last_month, last_day, in_flight, failed
		FROM dispatch_watermarks
		WHERE table_name = $1 AND platform = $2
	`

	wm := NewWatermark(table, platform)

	var year, month, day *int
	var inFlight, failed []string
	err := s.pool.QueryRow(ctx, query, table, platform).Scan(&year, &month, &day, &inFlight, &failed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return wm, nil
		}
		return wm, fmt.Errorf("get watermark: %w", err)
	}

	if year != nil && month != nil && day != nil {
		wm.LastProcessed = &partition.Date{Year: *year, Month: *month, Day: *day}
	}
	for _, k := range inFlight {
		if d, ok := partition.ParseDateKey(k); ok {
			wm.InFlight[k] = d
		}
	}
	for _, k := range failed {
		if d, ok := partition.ParseDateKey(k); ok {
			wm.Failed[k] = d
		}
	}
	return wm, nil
}

// ensureRow creates the pair row if it does not exist yet.
func (s *PostgresStore) ensureRow(ctx context.Context, table, platform string) error {
	query := `
		INSERT INTO dispatch_watermarks (table_name, platform)
		VALUES ($1, $2)
		ON CONFLICT (table_name, platform) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, table, platform); err != nil {
		return fmt.Errorf("ensure watermark row: %w", err)
	}
	return nil
}

// Advance moves last_processed forward. The monotonic guard is part of the
// UPDATE predicate, so concurrent out-of-order completions never regress
// the watermark and never need caller-side locking.
func (s *PostgresStore) Advance(ctx context.Context, table, platform string, d partition.Date) error {
	if err := s.ensureRow(ctx, table, platform); err != nil {
		return err
	}

	query := `
		UPDATE dispatch_watermarks
		SET last_year = $3, last_month = $4, last_day = $5,
		    version = version + 1, updated_at = NOW()
		WHERE table_name = $1 AND platform = $2
		  AND (last_year IS NULL
		       OR (last_year, last_month, last_day) <= ($3, $4, $5))
	`
	if _, err := s.pool.Exec(ctx, query, table, platform, d.Year, d.Month, d.Day); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// AdvanceOverride sets last_processed unconditionally. Backfill only.
func (s *PostgresStore) AdvanceOverride(ctx context.Context, table, platform string, d partition.Date) error {
	if err := s.ensureRow(ctx, table, platform); err != nil {
		return err
	}

	query := `
		UPDATE dispatch_watermarks
		SET last_year = $3, last_month = $4, last_day = $5,
		    version = version + 1, updated_at = NOW()
		WHERE table_name = $1 AND platform = $2
	`
	if _, err := s.pool.Exec(ctx, query, table, platform, d.Year, d.Month, d.Day); err != nil {
		return fmt.Errorf("advance watermark override: %w", err)
	}
	return nil
}

// MarkInFlight adds dates to the in-flight set.
func (s *PostgresStore) MarkInFlight(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.mutateSets(ctx, table, platform, func(inFlight, failed map[string]bool) {
		for _, d := range dates {
			inFlight[d.Key()] = true
		}
	})
}

// ClearInFlight removes dates from the in-flight set.
func (s *PostgresStore) ClearInFlight(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.mutateSets(ctx, table, platform, func(inFlight, failed map[string]bool) {
		for _, d := range dates {
			delete(inFlight, d.Key())
		}
	})
}

// MarkFailed moves dates from the in-flight set into the failed set.
func (s *PostgresStore) MarkFailed(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.mutateSets(ctx, table, platform, func(inFlight, failed map[string]bool) {
		for _, d := range dates {
			delete(inFlight, d.Key())
			failed[d.Key()] = true
		}
	})
}

// ClearFailed removes dates from the failed set (manual replay).
func (s *PostgresStore) ClearFailed(ctx context.Context, table, platform string, dates []partition.Date) error {
	return s.mutateSets(ctx, table, platform, func(inFlight, failed map[string]bool) {
		for _, d := range dates {
			delete(failed, d.Key())
		}
	})
}

// mutateSets applies a read-modify-write on the in-flight and failed sets
// using optimistic version compare-and-set. A lost race is retried; ErrConflict
// escapes only when casRetries consecutive attempts lose.
func (s *PostgresStore) mutateSets(ctx context.Context, table, platform string, mutate func(inFlight, failed map[string]bool)) error {
	if err := s.ensureRow(ctx, table, platform); err != nil {
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		var inFlight, failed []string
		var version int64
		err := s.pool.QueryRow(ctx, `
			SELECT in_flight, failed, version
			FROM dispatch_watermarks
			WHERE table_name = $1 AND platform = $2
		`, table, platform).Scan(&inFlight, &failed, &version)
		if err != nil {
			return fmt.Errorf("read watermark sets: %w", err)
		}

		inFlightSet := toSet(inFlight)
		failedSet := toSet(failed)
		mutate(inFlightSet, failedSet)

		tag, err := s.pool.Exec(ctx, `
			UPDATE dispatch_watermarks
			SET in_flight = $3, failed = $4,
			    version = version + 1, updated_at = NOW()
			WHERE table_name = $1 AND platform = $2 AND version = $5
		`, table, platform, setToSlice(inFlightSet), setToSlice(failedSet), version)
		if err != nil {
			return fmt.Errorf("write watermark sets: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Lost the CAS race; reload and retry.
	}

	return fmt.Errorf("mutate watermark sets for %s/%s: %w", table, platform, ErrConflict)
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
