// Package api exposes the caseval REST and streaming API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/logging"
	"github.com/caseval/caseval/pkg/orchestrator"
	"github.com/caseval/caseval/pkg/storage"
	"github.com/caseval/caseval/pkg/telemetry"
)

// Server is the caseval API server.
type Server struct {
	store      *storage.Store
	orch       *orchestrator.Orchestrator
	hub        *telemetry.Hub
	logger     *logging.Logger
	httpServer *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: :8080)
	Address string

	Store        *storage.Store
	Orchestrator *orchestrator.Orchestrator
	Hub          *telemetry.Hub
	Logger       *logging.Logger
}

// NewServer creates the API server and wires up all routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		store:  cfg.Store,
		orch:   cfg.Orchestrator,
		hub:    cfg.Hub,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(withCORS)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/", s.handleCreateProvider)
			r.Get("/{id}", s.handleGetProvider)
			r.Put("/{id}", s.handleUpdateProvider)
			r.Delete("/{id}", s.handleDeleteProvider)
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Post("/", s.handleCreateModel)
			r.Get("/{id}", s.handleGetModel)
			r.Put("/{id}", s.handleUpdateModel)
			r.Delete("/{id}", s.handleDeleteModel)
		})

		r.Route("/case-sets", func(r chi.Router) {
			r.Get("/", s.handleListCaseSets)
			r.Post("/", s.handleCreateCaseSet)
			r.Post("/import", s.handleImportCaseSet)
			r.Get("/{id}", s.handleGetCaseSet)
			r.Put("/{id}", s.handleUpdateCaseSet)
			r.Delete("/{id}", s.handleDeleteCaseSet)
			r.Get("/{id}/cases", s.handleListCases)
			r.Post("/{id}/cases", s.handleAddCase)
			r.Get("/{id}/export", s.handleExportCaseSet)
		})

		r.Route("/cases", func(r chi.Router) {
			r.Put("/{id}", s.handleUpdateCase)
			r.Delete("/{id}", s.handleDeleteCase)
		})

		r.Route("/evaluators", func(r chi.Router) {
			r.Get("/", s.handleListEvaluators)
			r.Post("/", s.handleCreateEvaluator)
			r.Get("/{id}", s.handleGetEvaluator)
			r.Put("/{id}", s.handleUpdateEvaluator)
			r.Delete("/{id}", s.handleDeleteEvaluator)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Put("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/runs", s.handleStartRun)
			r.Get("/{id}/runs", s.handleListRuns)
			r.Post("/{id}/template/test", s.handleTemplateTest)
			r.Get("/{id}/events", s.handleTaskEvents)
			r.Get("/{id}/ws", s.handleTaskWebSocket)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/results", s.handleListResults)
			r.Get("/{id}/export", s.handleExportRun)
		})

	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withLogging tags every request with an ID and logs it on completion.
// Incoming X-Request-ID headers are honored so upstream proxies can
// correlate.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(logging.CategoryAPI, "http.request", r.Method+" "+r.URL.Path, map[string]any{
			"request_id":  requestID,
			"remote":      r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helpers
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps structured error codes onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch errors.GetCode(err) {
	case errors.ErrCodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errors.ErrCodeInvalidInput, errors.ErrCodeConfigInvalid,
		errors.ErrCodeConcurrencyInvalid, errors.ErrCodeRenderFailed:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(target); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}
