// Package httpapi exposes the coordinator's operations over HTTP.
//
// The API is a thin JSON layer: every handler decodes, delegates to the
// coordinator, and maps sentinel errors to status codes. No coordination
// logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// API is the coordinator surface the server exposes. Satisfied by
// *coordinator.Coordinator.
type API interface {
	Register(ctx context.Context, serverID, address string, capacity int) (types.Instance, error)
	Heartbeat(ctx context.Context, serverID string, reportedLoad int, status types.InstanceStatus) error
	RequestAssignment(ctx context.Context, serverID string, count int) ([]string, error)
	Release(ctx context.Context, itemID, serverID string) error
	ListInstances(ctx context.Context) ([]types.InstanceSummary, error)
	EligibleInstances(ctx context.Context) ([]types.Instance, error)
	Status(ctx context.Context) (types.SystemStatus, error)
	Reconcile(ctx context.Context) (int, error)
	Rebalance(ctx context.Context) (int, error)
}

// Server serves the coordinator HTTP API.
type Server struct {
	api        API
	logger     types.Logger
	httpServer *http.Server
	addr       string
}

// NewServer creates an HTTP server for the given coordinator.
//
// Parameters:
//   - api: Coordinator to delegate to
//   - addr: Listen address, e.g. ":8080"
//   - logger: Logger (nil for no-op)
func NewServer(api API, addr string, logger types.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Server{api: api, addr: addr, logger: logger}
}

// Router builds the chi router. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/instances/register", s.handleRegister)
		r.Post("/instances/{serverID}/heartbeat", s.handleHeartbeat)
		r.Get("/instances", s.handleListInstances)
		r.Post("/assignments/request", s.handleRequestAssignment)
		r.Post("/assignments/release", s.handleRelease)
		r.Get("/status", s.handleStatus)
		r.Post("/reconcile", s.handleReconcile)
		r.Post("/rebalance", s.handleRebalance)
	})

	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.addr)

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

type registerRequest struct {
	ServerID string `json:"server_id"`
	Address  string `json:"address"`
	Capacity int    `json:"capacity"`
}

type heartbeatRequest struct {
	ReportedLoad int    `json:"reported_load"`
	Status       string `json:"status,omitempty"`
}

type assignmentRequest struct {
	ServerID string `json:"server_id"`
	Count    int    `json:"count"`
}

type releaseRequest struct {
	ItemID   string `json:"item_id"`
	ServerID string `json:"server_id"`
}

type grantedResponse struct {
	Granted []string `json:"granted"`
}

type countResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	inst, err := s.api.Register(r.Context(), req.ServerID, req.Address, req.Capacity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req heartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.api.Heartbeat(r.Context(), serverID, req.ReportedLoad, types.InstanceStatus(req.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("eligible") == "1" {
		instances, err := s.api.EligibleInstances(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, instances)
		return
	}

	summaries, err := s.api.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleRequestAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !s.decode(w, r, &req) {
		return
	}

	granted, err := s.api.RequestAssignment(r.Context(), req.ServerID, req.Count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if granted == nil {
		granted = []string{}
	}

	s.writeJSON(w, http.StatusOK, grantedResponse{Granted: granted})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ItemID == "" || req.ServerID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "item_id and server_id are required"})
		return
	}

	if err := s.api.Release(r.Context(), req.ItemID, req.ServerID); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.api.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	released, err := s.api.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, countResponse{Count: released})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	executed, err := s.api.Rebalance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, countResponse{Count: executed})
}

// decode reads the JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}

	return true
}

// writeError maps sentinel errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidServerID),
		errors.Is(err, types.ErrInvalidCapacity),
		errors.Is(err, types.ErrInvalidStatus):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotStarted):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}
