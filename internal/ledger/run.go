// Package ledger records every dispatch attempt for audit, retry
// decisioning, and duplicate-submission prevention.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Error kinds for structured run failure causes.
const (
	ErrorKindSubmission = "submission"
	ErrorKindTransform  = "transform"
	ErrorKindCancelled  = "cancelled"
	ErrorKindInternal   = "internal"
)

// RunError is a structured failure cause attached to a terminal run.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run is one dispatch attempt of a partition batch against a platform.
// Terminal runs are immutable; a retry is a new Run with Attempt+1 over
// the same partition set.
type Run struct {
	RunID       string                `json:"run_id"`
	Table       string                `json:"table"`
	Platform    string                `json:"platform"`
	Partitions  []partition.Partition `json:"partition_set"`
	Status      Status                `json:"status"`
	Attempt     int                   `json:"attempt"`
	SubmittedAt time.Time             `json:"submitted_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error       *RunError             `json:"error,omitempty"`
}

// NewRun creates a QUEUED run for a batch. Partitions must already be in
// calendar order.
func NewRun(table, platform string, parts []partition.Partition, attempt int) Run {
	return Run{
		RunID:       uuid.New().String(),
		Table:       table,
		Platform:    platform,
		Partitions:  parts,
		Status:      StatusQueued,
		Attempt:     attempt,
		SubmittedAt: time.Now().UTC(),
	}
}

// SetKey returns the deterministic identifier of the run's partition set.
func (r Run) SetKey() string {
	return partition.SetKey(r.Partitions)
}

// MaxDate returns the latest partition date in the run's batch.
func (r Run) MaxDate() partition.Date {
	return partition.MaxDate(r.Partitions)
}
