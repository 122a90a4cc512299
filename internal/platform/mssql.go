package platform

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb" // sqlserver driver

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// MSSQLAdapter targets SQL Server-family warehouses through database/sql.
// The transformation runs as a stored procedure on a background goroutine;
// the platform cannot interrupt a procedure once it is executing, so Cancel
// never reports acceptance.
type MSSQLAdapter struct {
	platform string
	db       *sql.DB
	jobs     *jobRegistry
	log      *slog.Logger
}

// NewMSSQLAdapter connects to the warehouse.
func NewMSSQLAdapter(platform, dsn string) (*MSSQLAdapter, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &MSSQLAdapter{
		platform: platform,
		db:       db,
		jobs:     newJobRegistry(),
		log:      slog.With("component", "adapter", "platform", platform),
	}, nil
}

// Submit starts the transformation procedure asynchronously.
func (a *MSSQLAdapter) Submit(ctx context.Context, batch []partition.Partition, target TransformTarget) (JobHandle, error) {
	if len(batch) == 0 {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("empty batch")}
	}
	if target.Schema == "" {
		return "", &SubmissionError{Platform: a.platform, Permanent: true, Err: fmt.Errorf("target schema missing")}
	}

	if err := a.db.PingContext(ctx); err != nil {
		return "", &SubmissionError{Platform: a.platform, Err: fmt.Errorf("ping: %w", err)}
	}

	table := batch[0].Table
	first := batch[0].Date
	last := partition.MaxDate(batch)

	// No cancel hook: once the procedure is executing the platform cannot
	// interrupt it.
	handle := a.jobs.register(func() {})

	stmt := fmt.Sprintf("EXEC %s.run_transform @table = @p1, @date_start = @p2, @date_end = @p3, @dialect = @p4",
		bracketIdent(target.Schema))

	go func() {
		_, err := a.db.ExecContext(context.Background(), stmt,
			sql.Named("p1", table),
			sql.Named("p2", first.Key()),
			sql.Named("p3", last.Key()),
			sql.Named("p4", target.Dialect),
		)
		if err != nil {
			a.log.Warn("transform failed", "table", table, "range", first.Key()+".."+last.Key(), "error", err)
			a.jobs.finish(handle, JobStatus{State: JobFailed, Cause: err.Error()})
			return
		}
		a.jobs.finish(handle, JobStatus{State: JobSucceeded})
	}()

	return handle, nil
}

// Poll reads the registry status for a handle.
func (a *MSSQLAdapter) Poll(ctx context.Context, handle JobHandle) (JobStatus, error) {
	status, ok := a.jobs.status(handle)
	if !ok {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", handle, ErrUnknownHandle)
	}
	return status, nil
}

// Cancel always reports not-accepted: the procedure runs to completion and
// the coordinator discards the outcome instead.
func (a *MSSQLAdapter) Cancel(ctx context.Context, handle JobHandle) (bool, error) {
	return false, nil
}

// Close releases database connections.
func (a *MSSQLAdapter) Close() error {
	return a.db.Close()
}

// bracketIdent quotes a schema identifier in T-SQL bracket form.
func bracketIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}
