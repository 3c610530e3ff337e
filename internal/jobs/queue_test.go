package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/oceanline/mediaforge/internal/synth"
)

func newTestJob() *Job {
	return &Job{Operation: synth.OpCompress}
}

func TestEnqueueAssignsIDAndQueuedStatus(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.ID == "" {
		t.Error("expected Enqueue to assign an ID")
	}
	if job.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", job.Status)
	}
}

func TestEnqueueHonorsClientChosenID(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	job.ID = "client-picked"
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.ID != "client-picked" {
		t.Errorf("ID = %q, want client-picked", job.ID)
	}
}

func TestEnqueueRejectsDuplicateClientChosenID(t *testing.T) {
	q := NewQueue(4, nil)
	first := newTestJob()
	first.ID = "dup"
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	second := newTestJob()
	second.ID = "dup"
	if err := q.Enqueue(second); !errors.Is(err, ErrJobIDConflict) {
		t.Errorf("expected ErrJobIDConflict, got %v", err)
	}
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	q := NewQueue(1, nil)
	if err := q.Enqueue(newTestJob()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(newTestJob()); err != ErrQueueFull {
		t.Errorf("second Enqueue err = %v, want ErrQueueFull", err)
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	q.Enqueue(job)

	if err := q.Transition(job.ID, StatusCompleted); err == nil {
		t.Error("expected error jumping straight from queued to completed")
	}
	if err := q.Transition(job.ID, StatusDownloading); err != nil {
		t.Fatalf("Transition to downloading: %v", err)
	}
	snap, _ := q.Get(job.ID)
	if snap.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set on entering downloading")
	}
}

func TestCancelQueuedJobIsImmediate(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	q.Enqueue(job)

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap, _ := q.Get(job.ID)
	if snap.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", snap.Status)
	}
}

func TestCancelIsIdempotentOnTerminalJob(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	q.Enqueue(job)
	q.Cancel(job.ID)

	if err := q.Cancel(job.ID); err == nil {
		t.Error("expected error cancelling an already-terminal job")
	}
}

func TestCancelInvokesRegisteredCancelFunc(t *testing.T) {
	q := NewQueue(4, nil)
	job := newTestJob()
	q.Enqueue(job)
	q.Transition(job.ID, StatusDownloading)

	called := false
	q.registerCancel(job.ID, func() { called = true })

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !called {
		t.Error("expected registered cancel func to be invoked")
	}
}

func TestFailAndCompleteAreTerminal(t *testing.T) {
	q := NewQueue(4, nil)

	j1 := newTestJob()
	q.Enqueue(j1)
	q.Transition(j1.ID, StatusDownloading)
	q.Transition(j1.ID, StatusProcessing)
	if err := q.Fail(j1.ID, CodeJobFailed, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	snap, _ := q.Get(j1.ID)
	if snap.Status != StatusFailed || snap.Error == nil || snap.Error.Code != string(CodeJobFailed) {
		t.Errorf("unexpected failed job state: %+v", snap)
	}

	j2 := newTestJob()
	q.Enqueue(j2)
	q.Transition(j2.ID, StatusDownloading)
	q.Transition(j2.ID, StatusProcessing)
	q.Transition(j2.ID, StatusUploading)
	if err := q.Complete(j2.ID, "/work/out.mp4", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	snap2, _ := q.Get(j2.ID)
	if snap2.Status != StatusCompleted || snap2.ProgressPercent != 100 {
		t.Errorf("unexpected completed job state: %+v", snap2)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	q := NewQueue(4, nil)
	j1, j2 := newTestJob(), newTestJob()
	q.Enqueue(j1)
	q.Enqueue(j2)
	q.Cancel(j2.ID)

	stats := q.Stats()
	if stats.Queued != 1 || stats.Cancelled != 1 || stats.Total != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	q := NewQueue(4, nil)
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := newTestJob()
	q.Enqueue(job)

	select {
	case ev := <-ch:
		if ev.Type != "queued" || ev.Job.ID != job.ID {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Error("expected a queued event to be broadcast")
	}
}

func TestRestoreResetsNonTerminalJobsToFailed(t *testing.T) {
	q := NewQueue(4, nil)
	running := &Job{ID: "job-running", Operation: synth.OpCompress, Status: StatusProcessing}
	done := &Job{ID: "job-done", Operation: synth.OpCompress, Status: StatusCompleted}

	q.Restore([]*Job{running, done})

	snapRunning, ok := q.Get("job-running")
	if !ok {
		t.Fatal("expected restored in-flight job to be present")
	}
	if snapRunning.Status != StatusFailed || snapRunning.Error == nil {
		t.Errorf("expected in-flight job reset to failed, got %+v", snapRunning)
	}

	snapDone, ok := q.Get("job-done")
	if !ok {
		t.Fatal("expected restored terminal job to be present")
	}
	if snapDone.Status != StatusCompleted {
		t.Errorf("expected terminal job status untouched, got %q", snapDone.Status)
	}
}

func TestPruneTerminalRemovesOnlyJobsOlderThanCutoff(t *testing.T) {
	q := NewQueue(4, nil)
	old := newTestJob()
	q.Enqueue(old)
	q.Transition(old.ID, StatusDownloading)
	q.Transition(old.ID, StatusProcessing)
	q.Transition(old.ID, StatusUploading)
	q.Complete(old.ID, "/work/out.mp4", nil)
	q.jobs[old.ID].FinishedAt = time.Now().Add(-time.Hour)

	recent := newTestJob()
	q.Enqueue(recent)
	q.Cancel(recent.ID)

	q.PruneTerminal(time.Now().Add(-time.Minute))

	if _, ok := q.Get(old.ID); ok {
		t.Error("expected the old terminal job to be pruned")
	}
	if _, ok := q.Get(recent.ID); !ok {
		t.Error("expected the recently-finished job to survive pruning")
	}
}

func TestCancelAllOnlyTouchesMatchingSession(t *testing.T) {
	q := NewQueue(4, nil)
	j1 := &Job{Operation: synth.OpCompress, SessionID: "s1"}
	j2 := &Job{Operation: synth.OpCompress, SessionID: "s2"}
	q.Enqueue(j1)
	q.Enqueue(j2)

	q.CancelAll("s1")

	snap1, _ := q.Get(j1.ID)
	snap2, _ := q.Get(j2.ID)
	if snap1.Status != StatusCancelled {
		t.Errorf("expected s1's job cancelled, got %q", snap1.Status)
	}
	if snap2.Status == StatusCancelled {
		t.Error("did not expect s2's job to be cancelled")
	}
}
