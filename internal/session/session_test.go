package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/protocol"
	"github.com/oceanline/mediaforge/internal/stage"
	"github.com/oceanline/mediaforge/internal/synth"
)

type fakeManager struct {
	mu          sync.Mutex
	submitted   []synth.OperationKind
	subscribers []chan jobs.Event
	cancelled   []string
	sessionsCancelled []string
	nextID      int
}

func (f *fakeManager) Submit(op synth.OperationKind, opts synth.Options, input stage.Descriptor, sessionID, jobID string) (*jobs.Job, *stage.UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.submitted = append(f.submitted, op)
	id := jobID
	if id == "" {
		id = "job-1"
	}
	job := &jobs.Job{ID: id, Operation: op, SessionID: sessionID, Status: jobs.StatusQueued}
	return job, nil, nil
}

func (f *fakeManager) DeliverUpload(id, filename string, data []byte) bool { return true }

func (f *fakeManager) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeManager) CancelSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsCancelled = append(f.sessionsCancelled, sessionID)
}

func (f *fakeManager) Subscribe() chan jobs.Event {
	ch := make(chan jobs.Event, 10)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeManager) Unsubscribe(ch chan jobs.Event) { close(ch) }

func startTestServer(t *testing.T, mgr Manager) (*httptest.Server, *websocket.Conn) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := New(conn, mgr)
		s.Run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return srv, client
}

func TestSessionAcksStartJob(t *testing.T) {
	mgr := &fakeManager{}
	srv, client := startTestServer(t, mgr)
	defer srv.Close()
	defer client.Close()

	raw, _ := protocol.Encode(protocol.TypeStartJob, protocol.StartJobMessage{
		Operation: "compress",
		Input:     protocol.InputDescriptor{Kind: "upload"},
		Options:   json.RawMessage(`{"preset": "medium"}`),
	})
	if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != protocol.TypeAck {
		t.Errorf("Type = %q, want ack", env.Type)
	}
}

func TestSessionHonorsClientChosenJobID(t *testing.T) {
	mgr := &fakeManager{}
	srv, client := startTestServer(t, mgr)
	defer srv.Close()
	defer client.Close()

	raw, _ := protocol.Encode(protocol.TypeStartJob, protocol.StartJobMessage{
		JobID:     "my-own-id",
		Operation: "compress",
		Input:     protocol.InputDescriptor{Kind: "upload"},
		Options:   json.RawMessage(`{"preset": "medium"}`),
	})
	if err := client.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ack protocol.AckMessage
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.JobID != "my-own-id" {
		t.Errorf("ack JobID = %q, want my-own-id", ack.JobID)
	}
}

func TestSessionRejectsInvalidOptions(t *testing.T) {
	mgr := &fakeManager{}
	srv, client := startTestServer(t, mgr)
	defer srv.Close()
	defer client.Close()

	raw, _ := protocol.Encode(protocol.TypeStartJob, protocol.StartJobMessage{
		Operation: "speed",
		Input:     protocol.InputDescriptor{Kind: "upload"},
		Options:   json.RawMessage(`{"speed_factor": 999}`),
	})
	client.WriteMessage(websocket.TextMessage, raw)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, _ := protocol.DecodeEnvelope(data)
	if env.Type != protocol.TypeError {
		t.Errorf("Type = %q, want error", env.Type)
	}
}

func TestSessionRespondsToPing(t *testing.T) {
	mgr := &fakeManager{}
	srv, client := startTestServer(t, mgr)
	defer srv.Close()
	defer client.Close()

	raw, _ := protocol.Encode(protocol.TypePing, struct{}{})
	client.WriteMessage(websocket.TextMessage, raw)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, _ := protocol.DecodeEnvelope(data)
	if env.Type != protocol.TypePong {
		t.Errorf("Type = %q, want pong", env.Type)
	}
}

func TestSessionCancelsJobsOnDisconnect(t *testing.T) {
	mgr := &fakeManager{}
	srv, client := startTestServer(t, mgr)
	defer srv.Close()

	client.Close() // disconnect immediately

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		n := len(mgr.sessionsCancelled)
		mgr.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected CancelSession to be called after disconnect")
}
