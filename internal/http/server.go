package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Port string
	// Gatherer backs /metrics, the default registry when nil
	Gatherer prometheus.Gatherer
}

type Server struct {
	httpServer *http.Server
	logger     service.Logger
	dispatcher *service.Dispatcher
	universes  *service.UniverseService
}

func NewServer(cfg Config, logger service.Logger, dispatcher *service.Dispatcher, universes *service.UniverseService) *Server {
	srv := &Server{
		logger:     logger,
		dispatcher: dispatcher,
		universes:  universes,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/task-types", srv.handleListTaskTypes).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks", srv.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/universes", srv.handleCreateUniverse).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/universes/{id}", srv.handleGetUniverse).Methods(http.MethodGet)

	srv.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Infof("Starting commissioner server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeServiceErr maps engine errors to status codes
func (s *Server) writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrCapacityExceeded), errors.Is(err, service.ErrShutdown):
		w.Header().Set("Retry-After", "5")
		writeErr(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, service.ErrPreconditionFailed):
		writeErr(w, http.StatusConflict, "precondition_failed", err.Error())
	case errors.Is(err, service.ErrUnknownTaskType), errors.Is(err, service.ErrInvalidParams):
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Errorf("Request failed: %v", err)
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleListTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"task_types": s.dispatcher.Registry().Types()})
}

type submitTaskRequest struct {
	Type   models.TaskType `json:"type"`
	Params json.RawMessage `json:"params"`
}

type submitTaskResponse struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Type == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}
	id, err := s.dispatcher.Submit(req.Type, req.Params)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+id.String())
	writeJSON(w, http.StatusAccepted, submitTaskResponse{TaskID: id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}
	progress, err := s.dispatcher.Status(id)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type createUniverseRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateUniverse(w http.ResponseWriter, r *http.Request) {
	var req createUniverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	u, err := s.universes.Create(req.Name)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUniverse(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid universe id")
		return
	}
	u, err := s.universes.Get(id)
	if err != nil {
		s.writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
