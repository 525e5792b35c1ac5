// Package web is the HTTP API: rotation control, history, key and target
// inventory, a live event stream, and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/Key-Sentinel/internal/events"
	"github.com/Will-Luck/Key-Sentinel/internal/rotation"
	"github.com/Will-Luck/Key-Sentinel/internal/store"
)

// RotationManager is what the API needs from the rotation layer.
type RotationManager interface {
	Start(req rotation.StartRequest) (rotation.PlanSnapshot, error)
	Get(id string) (rotation.PlanSnapshot, bool)
	List() []rotation.PlanSnapshot
	Cancel(id string) error
	CurrentFingerprint() string
}

// HistoryStore reads completed rotation records.
type HistoryStore interface {
	ListHistory(limit int) ([]rotation.RotationRecord, error)
}

// SnapshotStore reads persisted plan material. The in-memory manager only
// knows plans it launched; rotations from before the last restart are served
// from here.
type SnapshotStore interface {
	ListPlanIDs() ([]string, error)
	GetLatestSnapshot(planID string) ([]byte, error)
	ListLogs(planID string) ([]store.LogEntry, error)
}

// Dependencies defines what the web server needs from the rest of the application.
type Dependencies struct {
	Manager     RotationManager
	Store       HistoryStore
	Snapshots   SnapshotStore // optional; enables archived-plan reads
	EventBus    *events.Bus
	SSHDir      string // scanned for /api/keys
	TargetsFile string // optional inventory backing /api/targets and tag selection
	Log         *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.apiHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/rotations", s.apiStartRotation)
	s.mux.HandleFunc("GET /api/rotations", s.apiListRotations)
	s.mux.HandleFunc("GET /api/rotations/{id}", s.apiGetRotation)
	s.mux.HandleFunc("GET /api/rotations/{id}/log", s.apiRotationLog)
	s.mux.HandleFunc("POST /api/rotations/{id}/cancel", s.apiCancelRotation)

	s.mux.HandleFunc("GET /api/history", s.apiHistory)
	s.mux.HandleFunc("GET /api/keys", s.apiKeys)
	s.mux.HandleFunc("GET /api/targets", s.apiTargets)
	s.mux.HandleFunc("GET /api/events", s.apiSSE)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
