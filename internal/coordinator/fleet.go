package coordinator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Fleet runs periodic ticks for a set of coordinators, one goroutine per
// pair. Pairs tick independently; a slow platform never delays the others.
type Fleet struct {
	coordinators []*Coordinator
	tickInterval time.Duration
	log          *slog.Logger
}

// NewFleet creates a fleet over the given coordinators.
func NewFleet(coordinators []*Coordinator, tickInterval time.Duration) *Fleet {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &Fleet{
		coordinators: coordinators,
		tickInterval: tickInterval,
		log:          slog.With("component", "fleet"),
	}
}

// Run ticks every coordinator on the configured interval until the context
// is cancelled. It returns after all pair loops have drained; in-progress
// ticks observe the cancellation through their context.
func (f *Fleet) Run(ctx context.Context) error {
	f.log.Info("starting", "pairs", len(f.coordinators), "interval", f.tickInterval)

	var wg sync.WaitGroup
	for _, c := range f.coordinators {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			f.pairLoop(ctx, c)
		}(c)
	}

	wg.Wait()
	f.log.Info("stopped")
	return ctx.Err()
}

// pairLoop ticks one coordinator. The first tick is delayed by a random
// fraction of the interval so pairs do not hit the source in lockstep.
func (f *Fleet) pairLoop(ctx context.Context, c *Coordinator) {
	log := f.log.With("table", c.Table(), "platform", c.Platform())

	jitter := time.Duration(rand.Int63n(int64(f.tickInterval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(f.tickInterval)
	defer ticker.Stop()

	for {
		report, err := c.RunTick(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			log.Error("tick failed", "error", err)
		case report.BatchesDispatched > 0 || report.RunsCancelled > 0:
			log.Info("tick complete",
				"seen", report.PartitionsSeen,
				"dispatched", report.BatchesDispatched,
				"succeeded", report.RunsSucceeded,
				"failed", report.RunsFailed,
				"retried", report.RunsRetried,
				"cancelled", report.RunsCancelled,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
