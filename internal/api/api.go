// Package api exposes the HTTP control surface: task and channel
// management, execution history, asset and alert queries, and the live
// status websocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seaward-sec/opswatch/internal/broadcast"
	"github.com/seaward-sec/opswatch/internal/cache"
	"github.com/seaward-sec/opswatch/internal/plugin"
	"github.com/seaward-sec/opswatch/internal/secrets"
	"github.com/seaward-sec/opswatch/internal/store"
)

// TaskRunner fires tasks outside their schedule.
type TaskRunner interface {
	ExecuteNow(ctx context.Context, taskID string) (string, error)
}

// Server holds the HTTP handler dependencies.
type Server struct {
	store       *store.Store
	cache       *cache.Cache
	runner      TaskRunner
	registry    *plugin.Registry
	hub         *broadcast.Hub
	credentials secrets.CredentialStore
	logger      *slog.Logger
}

// NewServer creates the API server. cache and credentials may be nil.
func NewServer(st *store.Store, c *cache.Cache, runner TaskRunner, registry *plugin.Registry, hub *broadcast.Hub, credentials secrets.CredentialStore, logger *slog.Logger) *Server {
	return &Server{
		store:       st,
		cache:       c,
		runner:      runner,
		registry:    registry,
		hub:         hub,
		credentials: credentials,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws/status", s.handleStatusSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plugins", s.handleListPlugins)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Put("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/run", s.handleRunTask)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
			r.Get("/{id}/logs", s.handleGetExecutionLogs)
		})

		r.Get("/assets", s.handleListAssets)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/{id}", s.handleGetAlert)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Post("/", s.handleCreateChannel)
			r.Get("/{id}", s.handleGetChannel)
			r.Put("/{id}", s.handleUpdateChannel)
			r.Delete("/{id}", s.handleDeleteChannel)
			r.Post("/{id}/default", s.handleSetDefaultChannel)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Put("/{id}", s.handlePutCredential)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
