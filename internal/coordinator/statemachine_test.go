package coordinator

import (
	"testing"

	"github.com/openlakehouse/mart-dispatcher/internal/ledger"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ledger.Status
		want     bool
	}{
		{ledger.StatusQueued, ledger.StatusSubmitted, true},
		{ledger.StatusQueued, ledger.StatusFailed, true},
		{ledger.StatusQueued, ledger.StatusCancelled, true},
		{ledger.StatusQueued, ledger.StatusRunning, false},
		{ledger.StatusQueued, ledger.StatusSucceeded, false},

		{ledger.StatusSubmitted, ledger.StatusRunning, true},
		{ledger.StatusSubmitted, ledger.StatusSucceeded, true},
		{ledger.StatusSubmitted, ledger.StatusFailed, true},
		{ledger.StatusSubmitted, ledger.StatusCancelled, true},
		{ledger.StatusSubmitted, ledger.StatusQueued, false},

		{ledger.StatusRunning, ledger.StatusSucceeded, true},
		{ledger.StatusRunning, ledger.StatusFailed, true},
		{ledger.StatusRunning, ledger.StatusCancelled, true},
		{ledger.StatusRunning, ledger.StatusSubmitted, false},

		// Terminal states admit nothing.
		{ledger.StatusSucceeded, ledger.StatusFailed, false},
		{ledger.StatusFailed, ledger.StatusRunning, false},
		{ledger.StatusCancelled, ledger.StatusSucceeded, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	run := ledger.NewRun("orders", "wh", makeParts(1), 1)

	if err := transition(&run, ledger.StatusRunning); err == nil {
		t.Error("QUEUED -> RUNNING should be rejected")
	}
	if run.Status != ledger.StatusQueued {
		t.Errorf("status mutated on rejected transition: %s", run.Status)
	}

	if err := transition(&run, ledger.StatusSubmitted); err != nil {
		t.Fatalf("QUEUED -> SUBMITTED rejected: %v", err)
	}
	if run.Status != ledger.StatusSubmitted {
		t.Errorf("status = %s", run.Status)
	}
}
