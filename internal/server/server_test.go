package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oceanline/mediaforge/internal/config"
	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WorkRoot = t.TempDir()
	mgr := jobs.NewManager(cfg, store.NewMemoryStore())
	return New(cfg, mgr)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestHandleWebsocketUpgradesAndAcceptsPing(t *testing.T) {
	s := testServer(t)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebsocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"pong"`) {
		t.Errorf("expected pong envelope, got %s", data)
	}
}

func TestNetAddrDefaultsHost(t *testing.T) {
	if got := netAddr("", 8080); got != "0.0.0.0:8080" {
		t.Errorf("netAddr(\"\", 8080) = %q, want 0.0.0.0:8080", got)
	}
	if got := netAddr("127.0.0.1", 9); got != "127.0.0.1:9" {
		t.Errorf("netAddr = %q, want 127.0.0.1:9", got)
	}
}
