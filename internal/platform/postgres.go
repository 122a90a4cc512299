package platform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// PostgresAdapter targets warehouses speaking the Postgres wire protocol.
// Submit invokes the target schema's run_transform procedure for the batch
// date range; the statement executes on a background goroutine tracked by
// the in-process registry, so Submit returns immediately.
type PostgresAdapter struct {
	platform string
	pool     *pgxpool.Pool
	jobs     *jobRegistry
	log      *slog.Logger
}

// NewPostgresAdapter connects to the warehouse.
func NewPostgresAdapter(platform, dsn string) (*PostgresAdapter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &PostgresAdapter{
		platform: platform,
		pool:     pool,
		jobs:     newJobRegistry(),
		log:      slog.With("component", "adapter", "platform", platform),
	}, nil
}

// Submit starts the transformation statement asynchronously.
func (a *PostgresAdapter) Submit(ctx context.Context, batch []partition.Partition, target TransformTarget) (JobHandle, error) {
	if len(batch) == 0 {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("empty batch")}
	}
	if target.Schema == "" {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("target schema missing")}
	}

	// Verify the endpoint accepts work before reporting a handle.
	if err := a.pool.Ping(ctx); err != nil {
		return "", &SubmissionError{Platform: a.platform, Err: fmt.Errorf("ping: %w", err)}
	}

	table := batch[0].Table
	first := batch[0].Date
	last := partition.MaxDate(batch)

	jobCtx, cancel := context.WithCancel(context.Background())
	handle := a.jobs.register(cancel)

	stmt := fmt.Sprintf("CALL %s.run_transform($1, $2, $3, $4)", quoteIdent(target.Schema))

	go func() {
		defer cancel()
		_, err := a.pool.Exec(jobCtx, stmt, table, first.Key(), last.Key(), target.Dialect)
		switch {
		case jobCtx.Err() != nil:
			a.jobs.finish(handle, JobStatus{State: JobCancelled})
		case err != nil:
			a.log.Warn("transform failed", "table", table, "range", first.Key()+".."+last.Key(), "error", err)
			a.jobs.finish(handle, JobStatus{State: JobFailed, Cause: err.Error()})
		default:
			a.jobs.finish(handle, JobStatus{State: JobSucceeded})
		}
	}()

	return handle, nil
}

// Poll reads the registry status for a handle.
func (a *PostgresAdapter) Poll(ctx context.Context, handle JobHandle) (JobStatus, error) {
	status, ok := a.jobs.status(handle)
	if !ok {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", handle, ErrUnknownHandle)
	}
	return status, nil
}

// Cancel aborts the running statement via context cancellation; the driver
// sends a cancel request to the backend, so cancellation is accepted.
func (a *PostgresAdapter) Cancel(ctx context.Context, handle JobHandle) (bool, error) {
	cancel, ok := a.jobs.cancelFunc(handle)
	if !ok {
		return false, nil
	}
	cancel()
	return true, nil
}

// Close releases database connections.
func (a *PostgresAdapter) Close() error {
	a.pool.Close()
	return nil
}

// quoteIdent quotes a schema identifier for interpolation into the CALL
// statement (identifiers cannot be bound as parameters).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
