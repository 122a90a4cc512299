// Package platform abstracts warehouse job submission. The coordinator
// depends only on the Adapter interface; the variants differ solely in how
// a partition batch is encoded into a platform-native job request.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/openlakehouse/mart-dispatcher/internal/partition"
)

// TransformTarget is opaque configuration passed through unopened to the
// platform. The dispatcher core never inspects its contents.
type TransformTarget struct {
	ConnectionRef string `yaml:"connection_ref"`
	Schema        string `yaml:"schema"`
	Dialect       string `yaml:"dialect"`
}

// JobHandle identifies a submitted transformation job.
type JobHandle string

// JobState is the remote lifecycle state of a submitted job.
type JobState string

const (
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether the job state is final.
func (s JobState) Terminal() bool { return s != JobRunning }

// JobStatus is the result of polling a job.
type JobStatus struct {
	State JobState
	Cause string // failure cause, empty otherwise
}

// ErrUnknownHandle is returned when polling a handle the adapter does not
// track (e.g. after process restart for in-process adapters).
var ErrUnknownHandle = errors.New("unknown job handle")

// SubmissionError indicates the platform rejected a batch submission.
// Permanent errors (auth, malformed target) must not be retried; transient
// errors (quota, network) follow the backoff policy.
type SubmissionError struct {
	Platform  string
	Permanent bool
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit to %s: %v", e.Platform, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsPermanentSubmission reports whether err is a submission rejection that
// retrying cannot fix.
func IsPermanentSubmission(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Permanent
}

// Adapter is the capability interface implemented once per warehouse target.
type Adapter interface {
	// Submit encodes the batch into a platform-native job request and
	// returns a handle immediately; it never blocks on job completion.
	Submit(ctx context.Context, batch []partition.Partition, target TransformTarget) (JobHandle, error)

	// Poll is a side-effect-free status check; safe to call repeatedly.
	Poll(ctx context.Context, handle JobHandle) (JobStatus, error)

	// Cancel is best-effort; the bool reports whether the platform
	// accepted the cancellation.
	Cancel(ctx context.Context, handle JobHandle) (bool, error)

	Close() error
}

// Config selects and configures one adapter variant at startup.
type Config struct {
	Kind     string // "rest" | "postgres" | "mssql"
	Platform string // platform name, for errors and logging

	// rest
	Endpoint  string
	AuthToken string

	// postgres / mssql
	DSN string
}

// New creates an adapter based on configuration. Selection happens once at
// startup; the coordinator never inspects adapter types at runtime.
func New(cfg Config) (Adapter, error) {
	switch cfg.Kind {
	case "rest":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("Endpoint required for rest adapter")
		}
		return NewRESTAdapter(cfg.Platform, cfg.Endpoint, cfg.AuthToken), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("DSN required for postgres adapter")
		}
		return NewPostgresAdapter(cfg.Platform, cfg.DSN)
	case "mssql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("DSN required for mssql adapter")
		}
		return NewMSSQLAdapter(cfg.Platform, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s", cfg.Kind)
	}
}
