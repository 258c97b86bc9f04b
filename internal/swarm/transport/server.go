// Package transport implements the JSON-over-HTTP peer RPC surface: the
// server side every node exposes under /api/, and the client used for all
// outbound peer calls.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/journal"
	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// Handlers are the dispatch points behind the HTTP surface. A nil handler
// yields 501 for its endpoint.
type Handlers struct {
	OnJoin       func(common.NodeIdentity) error
	OnLeave      func(nodeID string) error
	OnHeartbeat  func(common.Heartbeat) error
	OnGossip     func([]common.PeerSummary) []common.PeerSummary
	OnTask       func(common.TaskEnvelope) common.TaskAccept
	OnResult     func(common.TaskResult) error
	OnTaskStatus func(taskID string) (*common.Checkpoint, error)
	OnTaskCancel func(taskID, reason string) error
	OnTrigger    func(common.Trigger) error
	OnStatus     func() common.NodeStatus
	OnPeers      func(statusFilter string) []common.PeerEntry
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	Enabled    bool   `json:"enabled"`
}

// Server is the node's peer-facing HTTP API.
type Server struct {
	identity common.NodeIdentity
	config   ServerConfig
	handlers Handlers
	journal  *journal.Journal

	httpSrv  *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer builds the HTTP surface. journal may be nil; the /api/events
// stream then returns 501.
func NewServer(identity common.NodeIdentity, config ServerConfig, handlers Handlers, jnl *journal.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		identity: identity,
		config:   config,
		handlers: handlers,
		journal:  jnl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "transport"),
	}
	s.httpSrv = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	api.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	api.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	api.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/gossip", s.handleGossip).Methods(http.MethodPost)
	api.HandleFunc("/task", s.handleTask).Methods(http.MethodPost)
	api.HandleFunc("/result", s.handleResult).Methods(http.MethodPost)
	api.HandleFunc("/task/{id}/status", s.handleTaskStatus).Methods(http.MethodGet)
	api.HandleFunc("/task/{id}/cancel", s.handleTaskCancel).Methods(http.MethodPost)
	api.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Start binds the listener and serves in a background goroutine. It returns
// the bound address, which matters when ListenAddr uses port 0.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	if s.identity.APIURL == "" {
		s.identity.APIURL = "http://" + ln.Addr().String()
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	addr := ln.Addr().String()
	s.logger.Info("transport listening", "addr", addr, "node_id", s.identity.NodeID)
	return addr, nil
}

// Stop shuts the server down, dropping pending requests after the deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests running against httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ---- endpoint handlers ----

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.identity)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnPeers == nil {
		s.writeError(w, common.ErrUnimplemented("peers"))
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnPeers(r.URL.Query().Get("status")))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnJoin == nil {
		s.writeError(w, common.ErrUnimplemented("join"))
		return
	}
	var identity common.NodeIdentity
	if !s.decode(w, r, &identity) {
		return
	}
	if err := identity.Validate(); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return
	}
	if err := s.handlers.OnJoin(identity); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": true, "node_id": s.identity.NodeID})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnLeave == nil {
		s.writeError(w, common.ErrUnimplemented("leave"))
		return
	}
	var body struct {
		NodeID string `json:"node_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.NodeID == "" {
		s.writeError(w, common.ErrValidation("node_id is required"))
		return
	}
	if err := s.handlers.OnLeave(body.NodeID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"left": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnHeartbeat == nil {
		s.writeError(w, common.ErrUnimplemented("heartbeat"))
		return
	}
	var hb common.Heartbeat
	if !s.decode(w, r, &hb) {
		return
	}
	if err := hb.Validate(); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return
	}
	if err := s.handlers.OnHeartbeat(hb); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnGossip == nil {
		s.writeError(w, common.ErrUnimplemented("gossip"))
		return
	}
	var body struct {
		Peers []common.PeerSummary `json:"peers"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	reply := s.handlers.OnGossip(body.Peers)
	writeJSON(w, http.StatusOK, map[string]any{"peers": reply})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnTask == nil {
		s.writeError(w, common.ErrUnimplemented("task"))
		return
	}
	var env common.TaskEnvelope
	if !s.decode(w, r, &env) {
		return
	}
	if err := env.Validate(); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnTask(env))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnResult == nil {
		s.writeError(w, common.ErrUnimplemented("result"))
		return
	}
	var result common.TaskResult
	if !s.decode(w, r, &result) {
		return
	}
	if err := result.Validate(); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return
	}
	if err := s.handlers.OnResult(result); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnTaskStatus == nil {
		s.writeError(w, common.ErrUnimplemented("task status"))
		return
	}
	cp, err := s.handlers.OnTaskStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnTaskCancel == nil {
		s.writeError(w, common.ErrUnimplemented("task cancel"))
		return
	}
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	// Cancel bodies are optional.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.handlers.OnTaskCancel(mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.peerFacingAllowed(w) {
		return
	}
	if s.handlers.OnTrigger == nil {
		s.writeError(w, common.ErrUnimplemented("trigger"))
		return
	}
	var trig common.Trigger
	if !s.decode(w, r, &trig) {
		return
	}
	if err := trig.Validate(); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return
	}
	if err := s.handlers.OnTrigger(trig); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handled": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.handlers.OnStatus == nil {
		s.writeError(w, common.ErrUnimplemented("status"))
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnStatus())
}

// handleEvents upgrades to a websocket and streams journal events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, common.ErrUnimplemented("event stream"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	events, cancel := s.journal.Subscribe()
	defer cancel()
	defer conn.Close()

	// Reader goroutine just watches for close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// ---- helpers ----

func (s *Server) peerFacingAllowed(w http.ResponseWriter) bool {
	if s.config.Enabled {
		return true
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error": "swarm disabled on this node",
	})
	return false
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, common.ErrValidation(err.Error()))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	var se *common.SwarmError
	if errors.As(err, &se) {
		code = se.Code
		switch se.Code {
		case common.ErrCodeValidation:
			status = http.StatusBadRequest
		case common.ErrCodeUnknownPeer:
			status = http.StatusNotFound
		case common.ErrCodeUnimplemented:
			status = http.StatusNotImplemented
		case common.ErrCodeCapabilityViolation, common.ErrCodeTokenRevoked, common.ErrCodeTokenExpired:
			status = http.StatusForbidden
		case common.ErrCodeCapacityExceeded:
			status = http.StatusTooManyRequests
		case common.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
