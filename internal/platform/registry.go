package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// jobRegistry tracks in-process jobs for adapters that execute the
// transformation over a driver connection rather than a remote job API.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[JobHandle]*jobEntry
}

type jobEntry struct {
	status JobStatus
	cancel context.CancelFunc
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[JobHandle]*jobEntry)}
}

// register creates a RUNNING entry and returns its handle.
func (r *jobRegistry) register(cancel context.CancelFunc) JobHandle {
	handle := JobHandle(uuid.New().String())
	r.mu.Lock()
	r.jobs[handle] = &jobEntry{
		status: JobStatus{State: JobRunning},
		cancel: cancel,
	}
	r.mu.Unlock()
	return handle
}

// status returns the current status for a handle.
func (r *jobRegistry) status(handle JobHandle) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[handle]
	if !ok {
		return JobStatus{}, false
	}
	return entry.status, true
}

// finish records a terminal state. The first terminal state wins.
func (r *jobRegistry) finish(handle JobHandle, status JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[handle]
	if !ok || entry.status.State.Terminal() {
		return
	}
	entry.status = status
}

// cancelFunc returns the cancellation hook for a handle, if still running.
func (r *jobRegistry) cancelFunc(handle JobHandle) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[handle]
	if !ok || entry.status.State.Terminal() {
		return nil, false
	}
	return entry.cancel, true
}
