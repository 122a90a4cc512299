package coordinator

import (
	"fmt"

	"github.com/openlakehouse/mart-dispatcher/internal/ledger"
)

// validTransitions is the run lifecycle:
// QUEUED -> SUBMITTED -> RUNNING -> SUCCEEDED | FAILED | CANCELLED.
// Submission failures and pre-submit cancellations short-circuit from the
// earlier states straight to a terminal state.
var validTransitions = map[ledger.Status][]ledger.Status{
	ledger.StatusQueued:    {ledger.StatusSubmitted, ledger.StatusFailed, ledger.StatusCancelled},
	ledger.StatusSubmitted: {ledger.StatusRunning, ledger.StatusSucceeded, ledger.StatusFailed, ledger.StatusCancelled},
	ledger.StatusRunning:   {ledger.StatusSucceeded, ledger.StatusFailed, ledger.StatusCancelled},
}

// canTransition reports whether moving a run from one status to another is
// legal. Terminal states admit nothing.
func canTransition(from, to ledger.Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// transition moves a run to a new status, rejecting illegal moves. An
// illegal move is a programming error, not an operational condition.
func transition(run *ledger.Run, to ledger.Status) error {
	if !canTransition(run.Status, to) {
		return fmt.Errorf("invalid run transition %s -> %s (run %s)", run.Status, to, run.RunID)
	}
	run.Status = to
	return nil
}
