package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

//go:embed schema.sql
var schemaSQL string

// PostgresLedger implements Ledger using PostgreSQL.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects to PostgreSQL and ensures the run table exists.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
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

	return &PostgresLedger{pool: pool}, nil
}

// Append upserts a run snapshot. The WHERE guard on the conflict arm keeps
// terminal rows immutable.
func (l *PostgresLedger) Append(ctx context.Context, run Run) error {
	query := `
		INSERT INTO dispatch_runs (
			run_id, table_name, platform, partition_set, set_key,
			status, attempt, submitted_at, completed_at,
			error_kind, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message
		WHERE dispatch_runs.status IN ('QUEUED', 'SUBMITTED', 'RUNNING')
	`

	var errKind, errMsg *string
	if run.Error != nil {
		errKind = &run.Error.Kind
		errMsg = &run.Error.Message
	}

	_, err := l.pool.Exec(ctx, query,
		run.RunID,
		run.Table,
		run.Platform,
		run.Partitions,
		run.SetKey(),
		string(run.Status),
		run.Attempt,
		run.SubmittedAt,
		run.CompletedAt,
		errKind,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// Query returns runs for a pair, newest attempt first within a set.
func (l *PostgresLedger) Query(ctx context.Context, table, platform string, statuses ...Status) ([]Run, error) {
	query := `
		SELECT run_id, table_name, platform, partition_set, status,
		       attempt, submitted_at, completed_at, error_kind, error_message
		FROM dispatch_runs
		WHERE table_name = $1 AND platform = $2
	`
	args := []any{table, platform}
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		query += ` AND status = ANY($3)`
		args = append(args, vals)
	}
	query += ` ORDER BY submitted_at ASC`

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		var parts []partition.Partition
		var errKind, errMsg *string
		if err := rows.Scan(&r.RunID, &r.Table, &r.Platform, &parts, &status,
			&r.Attempt, &r.SubmittedAt, &r.CompletedAt, &errKind, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Partitions = parts
		r.Status = Status(status)
		if errKind != nil {
			r.Error = &RunError{Kind: *errKind}
			if errMsg != nil {
				r.Error.Message = *errMsg
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ActiveForSet reports whether a non-terminal run exists for a set key.
func (l *PostgresLedger) ActiveForSet(ctx context.Context, table, platform, setKey string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM dispatch_runs
			WHERE table_name = $1 AND platform = $2 AND set_key = $3
			  AND status IN ('QUEUED', 'SUBMITTED', 'RUNNING')
		)
	`
	var exists bool
	if err := l.pool.QueryRow(ctx, query, table, platform, setKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("check active run: %w", err)
	}
	return exists, nil
}

// Close releases database connections.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
