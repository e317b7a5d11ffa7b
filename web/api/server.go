// Package api exposes the run workflow over HTTP: REST endpoints for
// creating, advancing and deciding runs, plus SSE and websocket streams of
// run updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/runstore"
	"github.com/featureflow/featureflow/internal/workflow"
)

// Engine is the workflow surface the server depends on.
type Engine interface {
	Create(ctx context.Context, inputs domain.Inputs) (*domain.Run, error)
	Advance(ctx context.Context, runID string) (*domain.Run, error)
	Decide(ctx context.Context, runID string, gate domain.Gate, approved bool, approver, note string) (*domain.Run, error)
	Get(runID string) (*domain.Run, error)
	List(status domain.RunStatus) ([]*domain.Run, error)
	Events(runID string) ([]*runstore.Event, error)
}

// Server is the HTTP API server
type Server struct {
	engine Engine
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	wsHub  *WSHub
}

// NewServer creates a new API server
func NewServer(engine Engine, addr string) *Server {
	s := &Server{
		engine: engine,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		wsHub:  NewWSHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the hubs and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)
	go s.wsHub.Run(ctx)

	server := &http.Server{Addr: s.addr, Handler: s.mux}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// RunUpdated implements workflow.Notifier: every persisted run mutation is
// fanned out to the SSE and websocket clients.
func (s *Server) RunUpdated(run *domain.Run) {
	event := SSEEvent{Type: "run_update", Data: runToResponse(run)}
	s.sseHub.Broadcast(event)
	s.wsHub.Broadcast(event)
}

var _ workflow.Notifier = (*Server)(nil)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrRunBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrGateMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "time": fmt.Sprint(time.Now().UTC().Format(time.RFC3339))})
	}
}
