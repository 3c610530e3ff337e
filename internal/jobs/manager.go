package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/oceanline/mediaforge/internal/config"
	"github.com/oceanline/mediaforge/internal/logger"
	"github.com/oceanline/mediaforge/internal/probe"
	"github.com/oceanline/mediaforge/internal/stage"
	"github.com/oceanline/mediaforge/internal/supervisor"
	"github.com/oceanline/mediaforge/internal/synth"
)

// Manager owns the bounded FIFO and the fixed-size worker pool that
// drains it, driving each job through staging, synthesis, supervised
// transcoding, and metadata probing.
type Manager struct {
	cfg *config.Config

	Queue      *Queue
	stager     *stage.Stager
	prober     *probe.Prober
	supervisor *supervisor.Supervisor

	jobCh chan *Job

	uploadMu    sync.Mutex
	uploadSlots map[string]*stage.UploadSlot

	wg sync.WaitGroup
}

func NewManager(cfg *config.Config, store Store) *Manager {
	if store == nil {
		store = NopStore{}
	}
	queue := NewQueue(cfg.QueueCapacity, store)

	if loaded, err := store.LoadJobs(); err != nil {
		logger.Warn("failed to restore persisted jobs", "err", err)
	} else if len(loaded) > 0 {
		queue.Restore(loaded)
		logger.Info("restored jobs from store", "count", len(loaded))
	}

	return &Manager{
		cfg:         cfg,
		Queue:       queue,
		stager:      stage.New(),
		prober:      probe.New(cfg.FFprobePath, 15*time.Second),
		supervisor:  supervisor.New(cfg.FFmpegPath),
		jobCh:       make(chan *Job, ClampQueueCapacity(cfg.QueueCapacity)),
		uploadSlots: make(map[string]*stage.UploadSlot),
	}
}

// Start launches the worker pool and the background sweeper, both
// bound to ctx. Callers should hold onto ctx's cancel func and call it
// to request shutdown, then Wait for the pool to drain.
func (m *Manager) Start(ctx context.Context) {
	workers := ClampWorkerCount(m.cfg.Workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx)
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Wait blocks until every worker and the sweeper have exited, which
// happens once ctx passed to Start is cancelled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-m.jobCh:
			if !ok {
				return
			}
			m.runJob(ctx, job)
		}
	}
}

// Submit admits a new job, registering an upload slot first if the
// input is an upload descriptor (the session needs the slot reference
// back before the client's binary frame can possibly arrive). jobID,
// when non-empty, is the client-chosen id from its start_job message
// and is honored as the job's id so the client can correlate
// cancel_job and upload frames against the id it originally picked; a
// jobID already in use is rejected with ErrJobIDConflict.
func (m *Manager) Submit(op synth.OperationKind, opts synth.Options, input stage.Descriptor, sessionID, jobID string) (*Job, *stage.UploadSlot, error) {
	if !synth.IsValidOperation(op) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidOperation, op)
	}

	job := &Job{
		ID:        jobID,
		Operation: op,
		Options:   opts,
		Input:     input,
		SessionID: sessionID,
	}

	var slot *stage.UploadSlot
	if input.Kind == stage.KindUpload {
		slot = stage.NewUploadSlot()
	}

	if err := m.Queue.Enqueue(job); err != nil {
		return nil, nil, err
	}

	if slot != nil {
		m.uploadMu.Lock()
		m.uploadSlots[job.ID] = slot
		m.uploadMu.Unlock()
	}

	select {
	case m.jobCh <- job:
	default:
		// The channel and the queue's capacity are kept in lockstep by
		// construction; this only fires under a race with Enqueue's
		// capacity check and is treated as a submit failure rather than
		// a blocking send that could stall the caller.
		_ = m.Queue.Fail(job.ID, CodeSubmitFailed, "worker dispatch channel saturated")
		return job, nil, ErrQueueFull
	}

	return job, slot, nil
}

// DeliverUpload hands a received binary frame to the job's upload
// slot, if one is registered. Returns false if no slot exists for id
// (the session should treat that as a protocol error).
func (m *Manager) DeliverUpload(id, filename string, data []byte) bool {
	m.uploadMu.Lock()
	slot, ok := m.uploadSlots[id]
	m.uploadMu.Unlock()
	if !ok {
		return false
	}
	slot.Deliver(filename, data)
	return true
}

// Cancel requests cancellation of job id.
func (m *Manager) Cancel(id string) error {
	return m.Queue.Cancel(id)
}

// CancelSession cancels every non-terminal job belonging to
// sessionID, without waiting.
func (m *Manager) CancelSession(sessionID string) {
	m.Queue.CancelAll(sessionID)
}

func (m *Manager) Stats() Stats {
	return m.Queue.Stats()
}

// Subscribe and Unsubscribe forward to the underlying queue so a
// session can watch for events belonging to its own jobs without
// reaching into Manager.Queue directly.
func (m *Manager) Subscribe() chan Event {
	return m.Queue.Subscribe()
}

func (m *Manager) Unsubscribe(ch chan Event) {
	m.Queue.Unsubscribe(ch)
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	m.Queue.registerCancel(job.ID, cancel)
	defer cancel()

	defer func() {
		m.uploadMu.Lock()
		delete(m.uploadSlots, job.ID)
		m.uploadMu.Unlock()
	}()

	workDir, err := os.MkdirTemp(m.cfg.WorkRoot, "job-"+job.ID+"-")
	if err != nil {
		_ = m.Queue.Fail(job.ID, CodeInternalError, "could not create work directory: "+err.Error())
		return
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Warn("failed to clean up job work directory", logger.Job(job.ID, job.Operation, "dir", workDir, "err", rmErr)...)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", logger.Job(job.ID, job.Operation, "panic", r)...)
			_ = m.Queue.Fail(job.ID, CodeInternalError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := m.Queue.Transition(job.ID, StatusDownloading); err != nil {
		return // already cancelled out from under us
	}

	maxBytes := m.cfg.MaxUploadBytes
	if job.Input.Kind == stage.KindURL {
		maxBytes = m.cfg.MaxDownloadBytes
	}

	uploadSlot := m.uploadSlotFor(job.ID)
	inputPath, err := m.stager.Stage(jobCtx, job.Input, workDir, maxBytes, uploadSlot, m.cfg.UploadWaitTimeout, func(percent float64) {
		m.Queue.UpdateProgress(job.ID, percent)
	})
	if err != nil {
		if jobCtx.Err() != nil {
			_ = m.Queue.Transition(job.ID, StatusCancelled)
			return
		}
		_ = m.Queue.Fail(job.ID, CodeSubmitFailed, err.Error())
		return
	}

	meta := m.prober.Probe(jobCtx, inputPath)
	m.Queue.setMetadata(job.ID, meta)

	if err := m.Queue.Transition(job.ID, StatusProcessing); err != nil {
		return
	}

	plan, err := synth.Synthesize(job.Operation, job.Options, inputPath)
	if err != nil {
		_ = m.Queue.Fail(job.ID, CodeValidationError, err.Error())
		return
	}

	result := m.supervisor.Run(jobCtx, plan.Argv, workDir, m.cfg.JobTimeout, func(percent float64) {
		m.Queue.UpdateProgress(job.ID, percent)
	})

	if result.Reason == supervisor.ReasonCancelled || jobCtx.Err() != nil {
		_ = m.Queue.Transition(job.ID, StatusCancelled)
		return
	}
	if !result.OK {
		_ = m.Queue.Fail(job.ID, CodeJobFailed, fmt.Sprintf("ffmpeg exited %d: %s", result.ExitCode, result.LastStderrTail))
		return
	}

	outputPath, outputPaths := plan.OutputPath, plan.OutputPaths
	if len(outputPaths) == 0 && strings.Contains(outputPath, "%03d") {
		// Expand the thumbnail image2 sequence pattern into the files
		// ffmpeg wrote, in index order.
		outputPaths, _ = filepath.Glob(strings.Replace(outputPath, "%03d", "[0-9][0-9][0-9]", 1))
	}

	probeTarget := outputPath
	if len(outputPaths) > 0 {
		probeTarget = outputPaths[0]
	}
	m.Queue.setMetadata(job.ID, m.prober.Probe(jobCtx, probeTarget))

	if err := m.Queue.Transition(job.ID, StatusUploading); err != nil {
		return
	}

	outSize := fileSizeOrZero(plan.OutputPath)
	logger.Info("job completed", logger.Job(job.ID, job.Operation, "output_size", humanize.Bytes(uint64(outSize)))...)

	_ = m.Queue.Complete(job.ID, outputPath, outputPaths)
}

func (m *Manager) uploadSlotFor(id string) *stage.UploadSlot {
	m.uploadMu.Lock()
	defer m.uploadMu.Unlock()
	return m.uploadSlots[id]
}

func fileSizeOrZero(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// sweepLoop periodically removes work directories left behind by a
// worker that crashed before its deferred cleanup ran. It's a
// belt-and-braces backstop, not the primary cleanup path.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	if m.cfg.JobRetention > 0 {
		m.Queue.PruneTerminal(time.Now().Add(-m.cfg.JobRetention))
	}

	entries, err := os.ReadDir(m.cfg.WorkRoot)
	if err != nil {
		return
	}
	maxAge := m.cfg.CleanupMaxAge
	if maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.WorkRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("sweeper failed to remove stale work directory", "dir", path, "err", err)
		} else {
			logger.Debug("sweeper removed stale work directory", "dir", path)
		}
	}
}
