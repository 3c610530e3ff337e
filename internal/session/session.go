// Package session implements the Connection Session: the per-websocket
// bookkeeping that ties a client's start_job/cancel_job traffic to the
// Job Manager, and fans out cancellation to every open job of a
// connection that disconnects.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/logger"
	"github.com/oceanline/mediaforge/internal/protocol"
	"github.com/oceanline/mediaforge/internal/stage"
	"github.com/oceanline/mediaforge/internal/synth"
)

// Session owns one client connection. Reads happen on the caller's
// goroutine (Run); writes are serialized through writeMu so the
// background event-forwarding goroutine and the read loop never
// interleave a partial frame.
type Session struct {
	id      string
	conn    *websocket.Conn
	manager Manager

	writeMu sync.Mutex

	jobMu sync.Mutex
	jobs  map[string]*jobBinding
}

// jobBinding tracks what a session needs about a job it owns beyond
// what the Job Manager itself stores: whether a binary result is
// still expected.
type jobBinding struct {
	expectsBinary bool
}

// Manager is the subset of *jobs.Manager a session depends on; kept
// as an interface so sessions are testable without a real job pool.
type Manager interface {
	Submit(op synth.OperationKind, opts synth.Options, input stage.Descriptor, sessionID, jobID string) (*jobs.Job, *stage.UploadSlot, error)
	DeliverUpload(id, filename string, data []byte) bool
	Cancel(id string) error
	CancelSession(sessionID string)
	Subscribe() chan jobs.Event
	Unsubscribe(ch chan jobs.Event)
}

func New(conn *websocket.Conn, manager Manager) *Session {
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		manager: manager,
		jobs:    make(map[string]*jobBinding),
	}
}

// Run drives the session until the connection closes or ctx is
// cancelled. On return, every job this session owns has been
// cancelled — the caller does not need to wait for that to complete.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := s.manager.Subscribe()
	defer s.manager.Unsubscribe(events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.forwardEvents(gctx, events)
	})
	g.Go(func() error {
		return s.readLoop(gctx)
	})

	err := g.Wait()

	// Disconnect: cancel every job this session owns without waiting.
	s.manager.CancelSession(s.id)

	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Session) handleText(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.sendError("", "INVALID_JSON", err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeStartJob:
		s.handleStartJob(env.Data)
	case protocol.TypeCancelJob:
		s.handleCancelJob(env.Data)
	case protocol.TypePing:
		s.send(protocol.TypePong, protocol.PongMessage{})
	default:
		s.sendError("", "UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unrecognized message type %q", env.Type))
	}
}

func (s *Session) handleStartJob(raw json.RawMessage) {
	var msg protocol.StartJobMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("", "INVALID_JSON", err.Error())
		return
	}

	if err := protocol.ValidateOptions(msg.Operation, msg.Options); err != nil {
		s.sendError(msg.JobID, "VALIDATION_ERROR", err.Error())
		return
	}

	opts, err := decodeOptions(synth.OperationKind(msg.Operation), msg.Options)
	if err != nil {
		s.sendError(msg.JobID, "VALIDATION_ERROR", err.Error())
		return
	}

	descriptor := stage.Descriptor{Kind: stage.Kind(msg.Input.Kind), URL: msg.Input.URL}

	job, slot, err := s.manager.Submit(synth.OperationKind(msg.Operation), opts, descriptor, s.id, msg.JobID)
	if err != nil {
		s.sendError(msg.JobID, "SUBMIT_FAILED", err.Error())
		return
	}
	_ = slot // the slot is only consulted by DeliverUpload via the manager, keyed by job.ID

	s.jobMu.Lock()
	s.jobs[job.ID] = &jobBinding{expectsBinary: true}
	s.jobMu.Unlock()

	s.send(protocol.TypeAck, protocol.AckMessage{JobID: job.ID})
}

func (s *Session) handleCancelJob(raw json.RawMessage) {
	var msg protocol.CancelJobMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("", "INVALID_JSON", err.Error())
		return
	}

	if err := s.manager.Cancel(msg.JobID); err != nil {
		s.sendError(msg.JobID, "CANCEL_FAILED", err.Error())
	}
}

func (s *Session) handleBinary(data []byte) {
	header, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		s.sendError("", "INVALID_BINARY", err.Error())
		return
	}
	if ok := s.manager.DeliverUpload(header.JobID, header.Filename, payload); !ok {
		s.sendError(header.JobID, "BINARY_ERROR", "no upload in progress for this job")
	}
}

// forwardEvents relays queue events for this session's own jobs out to
// the client as progress/completed/error envelopes, and appends the
// binary result frame right after a completed message.
func (s *Session) forwardEvents(ctx context.Context, events chan jobs.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Job.SessionID != s.id {
				continue
			}
			s.dispatchEvent(ev)
		}
	}
}

func (s *Session) dispatchEvent(ev jobs.Event) {
	switch ev.Type {
	case "progress", "downloading", "processing", "uploading":
		s.send(protocol.TypeProgress, protocol.ProgressMessage{
			JobID:           ev.Job.ID,
			ProgressPercent: ev.Job.ProgressPercent,
			Status:          string(ev.Job.Status),
		})
	case "completed":
		s.sendCompleted(ev.Job)
	case "failed":
		code := "JOB_FAILED"
		message := "job failed"
		if ev.Job.Error != nil {
			code, message = ev.Job.Error.Code, ev.Job.Error.Message
		}
		s.sendError(ev.Job.ID, code, message)
	case "cancelled":
		s.sendError(ev.Job.ID, "JOB_CANCELLED", "job was cancelled")
	}
}

func (s *Session) sendCompleted(job jobs.Job) {
	msg := protocol.CompletedMessage{JobID: job.ID}
	if len(job.OutputPaths) > 0 {
		msg.OutputCount = len(job.OutputPaths)
	} else {
		msg.OutputCount = 1
	}
	// The JSON completion message is always written before the binary
	// frame(s): the client can't know how many binary frames follow
	// (output_count) until it has read this envelope.
	s.send(protocol.TypeCompleted, msg)
	s.sendBinaryOutputs(job)
}

func (s *Session) sendBinaryOutputs(job jobs.Job) {
	paths := job.OutputPaths
	if len(paths) == 0 && job.OutputPath != "" {
		paths = []string{job.OutputPath}
	}
	for i, path := range paths {
		data, err := readFile(path)
		if err != nil {
			logger.Warn("failed to read job output for binary frame", "job_id", job.ID, "path", path, "err", err)
			s.sendError(job.ID, "OUTPUT_SEND_FAILED", err.Error())
			return
		}
		header := protocol.BinaryHeader{JobID: job.ID, Filename: baseName(path), Index: i + 1, Total: len(paths)}
		frame, err := protocol.EncodeFrame(header, data)
		if err != nil {
			s.sendError(job.ID, "OUTPUT_SEND_FAILED", err.Error())
			return
		}
		s.sendRaw(websocket.BinaryMessage, frame)
	}
}

func (s *Session) send(t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		logger.Error("failed to encode outbound message", "type", t, "err", err)
		return
	}
	s.sendRaw(websocket.TextMessage, data)
}

func (s *Session) sendError(jobID, code, message string) {
	s.send(protocol.TypeError, protocol.ErrorMessage{JobID: jobID, Code: code, Message: message})
}

func (s *Session) sendRaw(messageType int, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		logger.Warn("write failed, connection likely closed", "session_id", s.id, "err", err)
	}
}
