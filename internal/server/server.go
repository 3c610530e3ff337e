// Package server wires the HTTP surface: a liveness endpoint and the
// websocket upgrade that hands each connection off to a new session.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oceanline/mediaforge/internal/config"
	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/logger"
	"github.com/oceanline/mediaforge/internal/session"
)

// Server holds the two listeners this service exposes: a channel
// (websocket) port for clients and a separate health port for
// liveness probes, matching the teacher's pattern of never mixing
// probe traffic with client traffic.
type Server struct {
	cfg     *config.Config
	manager *jobs.Manager

	channelSrv *http.Server
	healthSrv  *http.Server
	upgrader   websocket.Upgrader
}

func New(cfg *config.Config, manager *jobs.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	channelMux := http.NewServeMux()
	channelMux.HandleFunc("GET /ws", s.handleWebsocket)
	s.channelSrv = &http.Server{
		Addr:    netAddr(cfg.ChannelHost, cfg.ChannelPort),
		Handler: channelMux,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", s.handleHealth)
	s.healthSrv = &http.Server{
		Addr:    netAddr(cfg.ChannelHost, cfg.HealthPort),
		Handler: healthMux,
	}

	return s
}

func netAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}

// Run starts both listeners and blocks until ctx is cancelled, then
// shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		logger.Info("channel listener starting", "addr", s.channelSrv.Addr)
		if err := s.channelSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("health listener starting", "addr", s.healthSrv.Addr)
		if err := s.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.channelSrv.Shutdown(shutdownCtx)
	_ = s.healthSrv.Shutdown(shutdownCtx)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"stats":  s.manager.Stats(),
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.FrameSizeCap)

	keepaliveTimeout := s.cfg.KeepaliveTimeout
	if keepaliveTimeout <= 0 {
		keepaliveTimeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
		return nil
	})

	sess := session.New(conn, s.manager)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.keepalive(ctx, conn)

	if err := sess.Run(ctx); err != nil {
		logger.Debug("session ended", "err", err)
	}
	conn.Close()
}

func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn) {
	interval := s.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
