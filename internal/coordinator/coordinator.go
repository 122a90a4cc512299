// Package coordinator schedules transformation runs for (table, platform)
// pairs: it diffs discovered partitions against the watermark, dispatches
// day-aligned batches through a platform adapter, and drives each run
// through its lifecycle with retry and cancellation handling.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openlakehouse/mart-dispatcher/internal/ledger"
	"github.com/openlakehouse/mart-dispatcher/internal/logging"
	"github.com/openlakehouse/mart-dispatcher/internal/metrics"
	"github.com/openlakehouse/mart-dispatcher/internal/partition"
	"github.com/openlakehouse/mart-dispatcher/internal/platform"
	"github.com/openlakehouse/mart-dispatcher/internal/scanner"
	"github.com/openlakehouse/mart-dispatcher/internal/watermark"
)

// ErrUnknownRun is returned by Cancel for run IDs the coordinator is not
// currently driving.
var ErrUnknownRun = errors.New("unknown run")

// Config holds the scheduling knobs for one coordinator.
type Config struct {
	MaxBatchSize   int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 7
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	return c
}

// TickReport summarizes what one tick did, for the scheduling host.
type TickReport struct {
	PartitionsSeen    int
	BatchesDispatched int
	BatchesSkipped    int
	RunsSubmitted     int
	RunsSucceeded     int
	RunsFailed        int
	RunsRetried       int
	RunsCancelled     int
}

// trackedRun is the in-memory view of a run the coordinator is driving,
// kept only for the duration of the attempt so Cancel can reach it.
type trackedRun struct {
	status          ledger.Status
	handle          platform.JobHandle
	cancelRequested bool
}

// Coordinator schedules one (table, platform) pair. Different pairs get
// independent coordinators and never block one another.
type Coordinator struct {
	table    string
	platform string
	target   platform.TransformTarget

	scanner scanner.Scanner
	store   watermark.Store
	runs    ledger.Ledger
	adapter platform.Adapter
	cfg     Config
	log     *slog.Logger

	// tickMu serializes ticks; a duplicate RunTick from the host waits
	// instead of double-dispatching.
	tickMu sync.Mutex

	mu     sync.Mutex
	active map[string]*trackedRun
}

// New creates a coordinator for one pair.
func New(table, platformName string, sc scanner.Scanner, store watermark.Store, runs ledger.Ledger, adapter platform.Adapter, target platform.TransformTarget, cfg Config) *Coordinator {
	return &Coordinator{
		table:    table,
		platform: platformName,
		target:   target,
		scanner:  sc,
		store:    store,
		runs:     runs,
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		log:      slog.With("component", "coordinator", "table", table, "platform", platformName),
		active:   make(map[string]*trackedRun),
	}
}

// Table returns the pair's source table name.
func (c *Coordinator) Table() string { return c.table }

// Platform returns the pair's platform name.
func (c *Coordinator) Platform() string { return c.platform }

// RunTick performs one scheduling pass: scan, diff against the watermark,
// dispatch new batches in calendar order, and drive each to a terminal
// state. A scan failure aborts the tick without touching any state; the
// host simply retries on its next interval.
func (c *Coordinator) RunTick(ctx context.Context) (TickReport, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var report TickReport
	started := time.Now()
	defer func() {
		if m := metrics.Get(); m != nil {
			m.ObserveTickDuration(c.table, c.platform, time.Since(started).Seconds())
		}
	}()

	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := logging.PairLogger(correlationID, c.table, c.platform)

	parts, err := c.scanner.Scan(ctx, c.table)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncScanErrors(c.table)
		}
		return report, fmt.Errorf("tick scan: %w", err)
	}
	report.PartitionsSeen = len(parts)
	if m := metrics.Get(); m != nil {
		m.AddPartitionsDiscovered(c.table, float64(len(parts)))
	}

	wm, err := c.store.Get(ctx, c.table, c.platform)
	if err != nil {
		return report, fmt.Errorf("tick watermark: %w", err)
	}

	wm, err = c.reconcileInFlight(ctx, log, wm)
	if err != nil {
		return report, err
	}

	candidates := selectCandidates(parts, wm)
	if len(candidates) == 0 {
		log.Debug("no new partitions")
		c.publishGauges(ctx)
		return report, nil
	}

	batches := makeBatches(candidates, c.cfg.MaxBatchSize)
	log.Info("dispatching", "candidates", len(candidates), "batches", len(batches))

	for _, batch := range batches {
		outcome, err := c.dispatchBatch(ctx, log, batch, &report)
		if err != nil {
			c.publishGauges(ctx)
			return report, err
		}
		if outcome != outcomeSucceeded {
			// A batch that did not succeed blocks later days for this pair:
			// advancing the watermark past it would silently skip its
			// partitions. The failed set holds them for the operator.
			break
		}
	}

	c.publishGauges(ctx)
	return report, nil
}

// Cancel requests cancellation of an in-progress run. Queued and submitted
// runs are cancelled eagerly; for a running run the platform may decline,
// in which case the job completes on the platform but its result is
// discarded and the run is recorded CANCELLED.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	tr, ok := c.active[runID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRun
	}
	tr.cancelRequested = true
	handle := tr.handle
	c.mu.Unlock()

	if handle == "" {
		// Not yet submitted; the dispatch loop observes the flag before
		// calling Submit.
		return nil
	}

	accepted, err := c.adapter.Cancel(ctx, handle)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if !accepted {
		c.log.Info("platform declined cancellation, result will be discarded", "run_id", runID)
	}
	return nil
}

// selectCandidates filters scanned partitions down to dispatchable ones:
// strictly past the watermark and strictly before the earliest in-flight
// or failed day. A blocked day fences off everything at or after it;
// dispatching past the fence would let a later success advance the
// watermark over the blocked day, stranding it below last_processed where
// no tick looks again even after the operator clears its marker.
func selectCandidates(parts []partition.Partition, wm watermark.Watermark) []partition.Partition {
	fence := earliestBlocked(wm)
	var out []partition.Partition
	for _, p := range parts {
		if wm.LastProcessed != nil && !p.Date.After(*wm.LastProcessed) {
			continue
		}
		if fence != nil && !p.Date.Before(*fence) {
			continue
		}
		out = append(out, p)
	}
	partition.SortByDate(out)
	return out
}

// earliestBlocked returns the earliest date across the in-flight and
// failed sets, or nil when both are empty.
func earliestBlocked(wm watermark.Watermark) *partition.Date {
	var first *partition.Date
	for _, d := range wm.InFlight {
		if first == nil || d.Before(*first) {
			d := d
			first = &d
		}
	}
	for _, d := range wm.Failed {
		if first == nil || d.Before(*first) {
			d := d
			first = &d
		}
	}
	return first
}

// reconcileInFlight clears in-flight markers orphaned by a crashed
// scheduler. A marker is stale when no non-terminal ledger run covers its
// date; clearing it returns the date to candidate status. Markers owned
// by a live run (this process or another scheduler instance) are kept.
func (c *Coordinator) reconcileInFlight(ctx context.Context, log *slog.Logger, wm watermark.Watermark) (watermark.Watermark, error) {
	if len(wm.InFlight) == 0 {
		return wm, nil
	}

	active, err := c.runs.Query(ctx, c.table, c.platform,
		ledger.StatusQueued, ledger.StatusSubmitted, ledger.StatusRunning)
	if err != nil {
		return wm, fmt.Errorf("tick ledger reconcile: %w", err)
	}
	covered := make(map[string]bool)
	for _, r := range active {
		for _, p := range r.Partitions {
			covered[p.Date.Key()] = true
		}
	}

	var stale []partition.Date
	for key, d := range wm.InFlight {
		if !covered[key] {
			stale = append(stale, d)
		}
	}
	if len(stale) == 0 {
		return wm, nil
	}

	if err := c.store.ClearInFlight(ctx, c.table, c.platform, stale); err != nil {
		return wm, fmt.Errorf("clear stale in flight: %w", err)
	}
	for _, d := range stale {
		delete(wm.InFlight, d.Key())
	}
	log.Warn("cleared orphaned in-flight markers", "dates", len(stale))
	return wm, nil
}

type batchOutcome int

const (
	outcomeSucceeded batchOutcome = iota
	outcomeFailed
	outcomeCancelled
	outcomeSkipped
)

// dispatchBatch drives one batch to a terminal outcome, retrying failed
// attempts with exponential backoff up to MaxAttempts. Returned errors are
// infrastructure failures (state store, context); run failures are
// outcomes, not errors.
func (c *Coordinator) dispatchBatch(ctx context.Context, log *slog.Logger, batch []partition.Partition, report *TickReport) (batchOutcome, error) {
	setKey := partition.SetKey(batch)

	active, err := c.runs.ActiveForSet(ctx, c.table, c.platform, setKey)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("ledger active check: %w", err)
	}
	if active {
		// Another scheduler instance (or a pre-crash run) already owns this
		// set. Dispatching again would double-submit.
		log.Info("batch has an active run, skipping", "set", setKey)
		report.BatchesSkipped++
		return outcomeSkipped, nil
	}

	dates := batchDates(batch)
	if err := c.store.MarkInFlight(ctx, c.table, c.platform, dates); err != nil {
		return outcomeSkipped, fmt.Errorf("mark in flight: %w", err)
	}
	report.BatchesDispatched++

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		outcome, retryable, err := c.runAttempt(ctx, batch, attempt, report)
		if err != nil {
			// In-flight markers stay. If no non-terminal run survives in
			// the ledger, the next tick's reconciliation clears them.
			return outcomeSkipped, err
		}

		switch outcome {
		case outcomeSucceeded:
			if err := c.store.ClearInFlight(ctx, c.table, c.platform, dates); err != nil {
				return outcomeSkipped, fmt.Errorf("clear in flight: %w", err)
			}
			if err := c.store.Advance(ctx, c.table, c.platform, partition.MaxDate(batch)); err != nil {
				return outcomeSkipped, fmt.Errorf("advance watermark: %w", err)
			}
			report.RunsSucceeded++
			if m := metrics.Get(); m != nil {
				m.IncRunsSucceeded(c.table, c.platform)
			}
			return outcomeSucceeded, nil

		case outcomeCancelled:
			// Cancelled partitions leave in-flight and become candidates
			// again on a later tick. The watermark does not move.
			if err := c.store.ClearInFlight(ctx, c.table, c.platform, dates); err != nil {
				return outcomeSkipped, fmt.Errorf("clear in flight: %w", err)
			}
			report.RunsCancelled++
			if m := metrics.Get(); m != nil {
				m.IncRunsCancelled(c.table, c.platform)
			}
			return outcomeCancelled, nil

		case outcomeFailed:
			report.RunsFailed++
			if m := metrics.Get(); m != nil {
				m.IncRunsFailed(c.table, c.platform)
			}
			if retryable && attempt < c.cfg.MaxAttempts {
				report.RunsRetried++
				if m := metrics.Get(); m != nil {
					m.IncRetryAttempts(c.table, c.platform)
				}
				delay := backoffDelay(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempt)
				log.Warn("run failed, retrying", "set", setKey, "attempt", attempt, "backoff", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return outcomeSkipped, ctx.Err()
				}
				continue
			}

			// Retry budget exhausted or failure is permanent.
			if err := c.store.ClearInFlight(ctx, c.table, c.platform, dates); err != nil {
				return outcomeSkipped, fmt.Errorf("clear in flight: %w", err)
			}
			if err := c.store.MarkFailed(ctx, c.table, c.platform, dates); err != nil {
				return outcomeSkipped, fmt.Errorf("mark failed: %w", err)
			}
			log.Error("batch exhausted retries, moved to failed set", "set", setKey, "attempts", attempt)
			return outcomeFailed, nil
		}
	}

	return outcomeFailed, nil
}

// runAttempt creates one Run for the batch and drives it to a terminal
// state: submit, then poll until the platform reports completion. The
// retryable result is false for permanent submission rejections.
func (c *Coordinator) runAttempt(ctx context.Context, batch []partition.Partition, attempt int, report *TickReport) (outcome batchOutcome, retryable bool, err error) {
	run := ledger.NewRun(c.table, c.platform, batch, attempt)
	log := logging.RunLogger(run.RunID, c.table, c.platform, attempt)
	if cid := logging.CorrelationID(ctx); cid != "" {
		log = log.With("correlation_id", cid)
	}

	c.track(run.RunID)
	defer c.untrack(run.RunID)

	if err := c.runs.Append(ctx, run); err != nil {
		return outcomeSkipped, false, fmt.Errorf("append run: %w", err)
	}

	// Cancellation requested before submission wins outright.
	if c.cancelRequested(run.RunID) {
		if err := c.finishRun(ctx, &run, ledger.StatusCancelled, &ledger.RunError{
			Kind: ledger.ErrorKindCancelled, Message: "cancelled before submission",
		}); err != nil {
			return outcomeSkipped, false, err
		}
		return outcomeCancelled, false, nil
	}

	handle, err := c.adapter.Submit(ctx, batch, c.target)
	if err != nil {
		permanent := platform.IsPermanentSubmission(err)
		log.Warn("submission rejected", "error", err, "permanent", permanent)
		if ferr := c.finishRun(ctx, &run, ledger.StatusFailed, &ledger.RunError{
			Kind: ledger.ErrorKindSubmission, Message: err.Error(),
		}); ferr != nil {
			return outcomeSkipped, false, ferr
		}
		return outcomeFailed, !permanent, nil
	}

	if err := transition(&run, ledger.StatusSubmitted); err != nil {
		return outcomeSkipped, false, err
	}
	if err := c.runs.Append(ctx, run); err != nil {
		return outcomeSkipped, false, fmt.Errorf("append run: %w", err)
	}
	c.setHandle(run.RunID, handle)
	report.RunsSubmitted++
	if m := metrics.Get(); m != nil {
		m.IncRunsSubmitted(c.table, c.platform)
	}
	log.Info("submitted", "handle", string(handle), "partitions", len(batch))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, perr := c.adapter.Poll(ctx, handle)
		if m := metrics.Get(); m != nil {
			m.IncPollCycles(c.table, c.platform)
		}

		if perr != nil {
			if errors.Is(perr, platform.ErrUnknownHandle) {
				// The platform lost track of the job (or an in-process
				// adapter restarted). Treat as a retryable failure.
				if ferr := c.finishRun(ctx, &run, ledger.StatusFailed, &ledger.RunError{
					Kind: ledger.ErrorKindTransform, Message: "job handle lost: " + perr.Error(),
				}); ferr != nil {
					return outcomeSkipped, false, ferr
				}
				return outcomeFailed, true, nil
			}
			log.Warn("poll failed", "error", perr)
		} else {
			switch status.State {
			case platform.JobRunning:
				if run.Status == ledger.StatusSubmitted {
					if err := transition(&run, ledger.StatusRunning); err != nil {
						return outcomeSkipped, false, err
					}
					if err := c.runs.Append(ctx, run); err != nil {
						return outcomeSkipped, false, fmt.Errorf("append run: %w", err)
					}
					c.setStatus(run.RunID, ledger.StatusRunning)
				}

			case platform.JobSucceeded:
				if c.cancelRequested(run.RunID) {
					// The job finished before the platform honored the
					// cancellation; the result is discarded.
					if err := c.finishRun(ctx, &run, ledger.StatusCancelled, &ledger.RunError{
						Kind: ledger.ErrorKindCancelled, Message: "cancelled; platform result discarded",
					}); err != nil {
						return outcomeSkipped, false, err
					}
					return outcomeCancelled, false, nil
				}
				if err := c.finishRun(ctx, &run, ledger.StatusSucceeded, nil); err != nil {
					return outcomeSkipped, false, err
				}
				log.Info("run succeeded")
				return outcomeSucceeded, false, nil

			case platform.JobFailed:
				if c.cancelRequested(run.RunID) {
					if err := c.finishRun(ctx, &run, ledger.StatusCancelled, &ledger.RunError{
						Kind: ledger.ErrorKindCancelled, Message: "cancelled during execution",
					}); err != nil {
						return outcomeSkipped, false, err
					}
					return outcomeCancelled, false, nil
				}
				if err := c.finishRun(ctx, &run, ledger.StatusFailed, &ledger.RunError{
					Kind: ledger.ErrorKindTransform, Message: status.Cause,
				}); err != nil {
					return outcomeSkipped, false, err
				}
				return outcomeFailed, true, nil

			case platform.JobCancelled:
				cause := status.Cause
				if cause == "" {
					cause = "cancelled by platform"
				}
				if err := c.finishRun(ctx, &run, ledger.StatusCancelled, &ledger.RunError{
					Kind: ledger.ErrorKindCancelled, Message: cause,
				}); err != nil {
					return outcomeSkipped, false, err
				}
				return outcomeCancelled, false, nil
			}
		}

		select {
		case <-ctx.Done():
			return outcomeSkipped, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finishRun records a terminal status for the run.
func (c *Coordinator) finishRun(ctx context.Context, run *ledger.Run, to ledger.Status, runErr *ledger.RunError) error {
	if err := transition(run, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Error = runErr
	if err := c.runs.Append(ctx, *run); err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// publishGauges refreshes the progress gauges from the stored watermark.
func (c *Coordinator) publishGauges(ctx context.Context) {
	m := metrics.Get()
	if m == nil {
		return
	}
	wm, err := c.store.Get(ctx, c.table, c.platform)
	if err != nil {
		return
	}
	if wm.LastProcessed != nil {
		m.SetWatermarkDay(c.table, c.platform, float64(wm.LastProcessed.EpochDays()))
	}
	m.SetInFlightPartitions(c.table, c.platform, float64(len(wm.InFlight)))
	m.SetFailedPartitions(c.table, c.platform, float64(len(wm.Failed)))
}

func (c *Coordinator) track(runID string) {
	c.mu.Lock()
	c.active[runID] = &trackedRun{status: ledger.StatusQueued}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(runID string) {
	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()
}

func (c *Coordinator) setHandle(runID string, handle platform.JobHandle) {
	c.mu.Lock()
	if tr, ok := c.active[runID]; ok {
		tr.handle = handle
		tr.status = ledger.StatusSubmitted
	}
	c.mu.Unlock()
}

func (c *Coordinator) setStatus(runID string, status ledger.Status) {
	c.mu.Lock()
	if tr, ok := c.active[runID]; ok {
		tr.status = status
	}
	c.mu.Unlock()
}

func (c *Coordinator) cancelRequested(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.active[runID]
	return ok && tr.cancelRequested
}

// backoffDelay computes the exponential retry delay for a failed attempt.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// batchDates projects a batch onto its partition dates.
func batchDates(batch []partition.Partition) []partition.Date {
	dates := make([]partition.Date, len(batch))
	for i, p := range batch {
		dates[i] = p.Date
	}
	return dates
}
