package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oceanline/mediaforge/internal/probe"
)

// Event is broadcast to subscribers (sessions) whenever a job's state
// changes.
type Event struct {
	Type string // "queued", "downloading", "processing", "uploading", "progress", "completed", "failed", "cancelled"
	Job  Job
}

// Queue is a bounded FIFO of jobs plus an index by ID, with
// broadcast-to-subscribers on every state change. It mirrors the
// teacher's map+order queue shape, generalized to route persistence
// through a Store instead of hand-rolled JSON-file writes.
type Queue struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	store Store

	capacity int

	subsMu      sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewQueue(capacity int, store Store) *Queue {
	if store == nil {
		store = NopStore{}
	}
	return &Queue{
		jobs:        make(map[string]*Job),
		order:       make([]string, 0),
		store:       store,
		capacity:    ClampQueueCapacity(capacity),
		subscribers: make(map[chan Event]struct{}),
	}
}

// pendingCount returns the number of non-terminal jobs. Caller must
// hold q.mu.
func (q *Queue) pendingCount() int {
	n := 0
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && !job.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Enqueue admits a new job if the queue has capacity. It returns
// ErrQueueFull when the backlog of non-terminal jobs is at capacity.
// A client-chosen job.ID is honored as-is; Enqueue mints a fresh one
// only when the caller left it blank. A client-chosen ID already in
// use (on this connection or any other, since IDs key this queue's
// single map) is rejected with ErrJobIDConflict rather than silently
// overwriting the existing job.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pendingCount() >= q.capacity {
		return ErrQueueFull
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	} else if _, exists := q.jobs[job.ID]; exists {
		return ErrJobIDConflict
	}
	job.Status = StatusQueued
	job.CreatedAt = time.Now()

	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)

	_ = q.store.SaveJob(job)
	q.broadcast(Event{Type: "queued", Job: job.Snapshot()})
	return nil
}

// Restore loads persisted jobs back into the queue at startup,
// ordered as the store returned them. Any job left in a non-terminal
// status belonged to a process that no longer exists — its worker,
// its ffmpeg subprocess, and its upload rendezvous are all gone — so
// Restore resets it to failed rather than leaving it queued forever
// or letting a worker adopt a job with no in-memory cancel func.
func (q *Queue) Restore(jobs []*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			job.Status = StatusFailed
			job.Error = &ErrorInfo{Code: string(CodeInternalError), Message: "job was still in flight when the service restarted"}
			_ = q.store.SaveJob(job)
		}
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		q.jobs[job.ID] = job
		q.order = append(q.order, job.ID)
	}
}

// Get returns a snapshot of a job by ID.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.Snapshot(), true
}

// Transition advances job id to a new status, enforcing the state
// machine. Returns ErrJobNotFound / a transition error on failure.
func (q *Queue) Transition(id string, to Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return jobNotFoundError(id)
	}
	if !job.transitionTo(to) {
		return jobTerminalError(id, job.Status)
	}

	_ = q.store.SaveJob(job)
	q.broadcast(Event{Type: string(to), Job: job.Snapshot()})
	return nil
}

// UpdateProgress records a new progress percentage for a running job
// without changing its status, and broadcasts it.
func (q *Queue) UpdateProgress(id string, percent float64) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.IsTerminal() {
		q.mu.Unlock()
		return
	}
	job.ProgressPercent = percent
	snap := job.Snapshot()
	q.mu.Unlock()

	q.broadcast(Event{Type: "progress", Job: snap})
}

// Fail transitions a job to failed, recording the error taxonomy.
func (q *Queue) Fail(id string, code ErrorCode, message string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return jobNotFoundError(id)
	}
	if !job.transitionTo(StatusFailed) {
		q.mu.Unlock()
		return jobTerminalError(id, job.Status)
	}
	job.Error = &ErrorInfo{Code: string(code), Message: message}
	_ = q.store.SaveJob(job)
	snap := job.Snapshot()
	q.mu.Unlock()

	q.broadcast(Event{Type: "failed", Job: snap})
	return nil
}

// Complete transitions a job to completed with its final output path.
func (q *Queue) Complete(id, outputPath string, outputPaths []string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return jobNotFoundError(id)
	}
	if !job.transitionTo(StatusCompleted) {
		q.mu.Unlock()
		return jobTerminalError(id, job.Status)
	}
	job.OutputPath = outputPath
	job.OutputPaths = outputPaths
	job.ProgressPercent = 100
	_ = q.store.SaveJob(job)
	snap := job.Snapshot()
	q.mu.Unlock()

	q.broadcast(Event{Type: "completed", Job: snap})
	return nil
}

// Cancel requests cancellation of job id. It is idempotent: a job
// already terminal returns ErrJobTerminal rather than an error the
// caller needs to treat as fatal. A queued job is cancelled
// immediately; a running job's cancel func (registered by the worker
// that claimed it) is invoked to signal the subprocess supervisor.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return jobNotFoundError(id)
	}
	if job.Status.IsTerminal() {
		q.mu.Unlock()
		return jobTerminalError(id, job.Status)
	}

	cancelFn := job.cancel
	if job.Status == StatusQueued {
		job.transitionTo(StatusCancelled)
		_ = q.store.SaveJob(job)
	}
	snap := job.Snapshot()
	q.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	if snap.Status == StatusCancelled {
		q.broadcast(Event{Type: "cancelled", Job: snap})
	}
	return nil
}

// setMetadata records probed metadata against a job without changing
// its status. runJob calls it for the staged input and again for the
// transcoded output, whose metadata replaces the input's.
func (q *Queue) setMetadata(id string, meta probe.Metadata) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.Metadata = meta
	}
}

// registerCancel attaches the cancel func a running worker exposes for
// this job, so a later Cancel call can reach it.
func (q *Queue) registerCancel(id string, cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok {
		job.cancel = cancel
	}
}

// CancelAll cancels every non-terminal job belonging to sessionID,
// without waiting for any of them to finish — used on session
// disconnect.
func (q *Queue) CancelAll(sessionID string) {
	q.mu.RLock()
	var ids []string
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && job.SessionID == sessionID && !job.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	q.mu.RUnlock()

	for _, id := range ids {
		_ = q.Cancel(id)
	}
}

// PruneTerminal removes terminal jobs older than cutoff from both the
// in-memory queue and the backing store, so a long-running process
// doesn't accumulate history forever.
func (q *Queue) PruneTerminal(cutoff time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	for _, id := range q.order {
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		finished := job.FinishedAt
		if job.Status.IsTerminal() && !finished.IsZero() && finished.Before(cutoff) {
			delete(q.jobs, id)
			_ = q.store.DeleteJob(id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// Stats summarizes the queue's current composition.
type Stats struct {
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Processing  int `json:"processing"`
	Uploading   int `json:"uploading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Total       int `json:"total"`
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, job := range q.jobs {
		s.Total++
		switch job.Status {
		case StatusQueued:
			s.Queued++
		case StatusDownloading:
			s.Downloading++
		case StatusProcessing:
			s.Processing++
		case StatusUploading:
			s.Uploading++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Subscribe returns a channel receiving every Event broadcast from
// this point on.
func (q *Queue) Subscribe() chan Event {
	ch := make(chan Event, 100)
	q.subsMu.Lock()
	q.subscribers[ch] = struct{}{}
	q.subsMu.Unlock()
	return ch
}

func (q *Queue) Unsubscribe(ch chan Event) {
	q.subsMu.Lock()
	delete(q.subscribers, ch)
	q.subsMu.Unlock()
	close(ch)
}

func (q *Queue) broadcast(event Event) {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()
	for ch := range q.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; dropping a progress tick is
			// acceptable, the next one will supersede it.
		}
	}
}
