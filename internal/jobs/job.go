// Package jobs implements the Job state machine and the Job Manager:
// a bounded FIFO queue plus a fixed-size worker pool that drives each
// job through staging, synthesis, supervised transcoding, and
// metadata probing.
package jobs

import (
	"time"

	"github.com/oceanline/mediaforge/internal/probe"
	"github.com/oceanline/mediaforge/internal/stage"
	"github.com/oceanline/mediaforge/internal/synth"
)

// Status is a job's position in its state machine. Transitions are
// monotone: queued -> downloading -> processing -> uploading, ending
// in exactly one of completed/failed/cancelled.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// validTransitions enumerates the only allowed Status -> Status edges.
var validTransitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:  {StatusUploading, StatusFailed, StatusCancelled},
	StatusUploading:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to Status) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorInfo carries the wire-facing error taxonomy for a failed job.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the full state of one transcode request, from submission to
// a terminal outcome.
type Job struct {
	ID        string             `json:"id"`
	SessionID string             `json:"-"`
	Operation synth.OperationKind `json:"operation"`
	Options   synth.Options       `json:"-"`
	Input     stage.Descriptor    `json:"-"`

	Status         Status  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`

	WorkDir    string `json:"-"`
	InputPath  string `json:"-"`
	OutputPath string `json:"-"`
	OutputPaths []string `json:"-"`

	Metadata probe.Metadata `json:"metadata,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// cancel is registered by the worker that claims this job and is
	// invoked by Queue.Cancel to signal that worker; the worker also
	// calls it when the job ends. Repeated calls are harmless.
	cancel func()
}

// Snapshot returns a value copy safe to hand to callers outside the
// manager's lock (Job itself has no exported mutable pointer/slice
// fields that a caller could use to corrupt manager state, aside from
// OutputPaths/Metadata which are treated as immutable once set).
func (j *Job) Snapshot() Job {
	cp := *j
	cp.cancel = nil
	return cp
}

// transitionTo moves the job to to, enforcing the state machine.
// Callers must hold the manager's lock.
func (j *Job) transitionTo(to Status) bool {
	if !CanTransition(j.Status, to) {
		return false
	}
	j.Status = to
	switch to {
	case StatusDownloading:
		j.StartedAt = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.FinishedAt = time.Now()
	}
	return true
}
