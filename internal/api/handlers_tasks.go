package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/pkg/types"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.store.ListPlugins(r.Context())
	if err != nil {
		s.logger.Error("listing plugins failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing plugins failed")
		return
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })
	s.respondJSON(w, http.StatusOK, plugins)
}

// taskRequest is the create/update payload.
type taskRequest struct {
	Name       string            `json:"name"`
	PluginName string            `json:"plugin_name"`
	Trigger    types.TriggerSpec `json:"trigger"`
	Config     map[string]any    `json:"config"`
	Active     *bool             `json:"active"`
}

func (req *taskRequest) validate(s *Server) string {
	if req.Name == "" {
		return "name is required"
	}
	if req.PluginName == "" {
		return "plugin_name is required"
	}
	if _, ok := s.registry.Get(req.PluginName); !ok {
		return "unknown plugin: " + req.PluginName
	}
	if err := req.Trigger.Validate(); err != nil {
		return err.Error()
	}
	return ""
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("listing tasks failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(s); msg != "" {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now()
	task := &types.Task{
		ID:         uuid.New().String(),
		Name:       req.Name,
		PluginName: req.PluginName,
		Trigger:    req.Trigger,
		Config:     req.Config,
		Active:     active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("creating task failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "creating task failed")
		return
	}
	s.respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("loading task failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading task failed")
		return
	}
	if task == nil {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("loading task failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading task failed")
		return
	}
	if existing == nil {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(s); msg != "" {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	existing.Name = req.Name
	existing.PluginName = req.PluginName
	existing.Trigger = req.Trigger
	existing.Config = req.Config
	if req.Active != nil {
		existing.Active = *req.Active
	}
	existing.UpdatedAt = time.Now()

	if err := s.store.UpdateTask(r.Context(), existing); err != nil {
		s.logger.Error("updating task failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "updating task failed")
		return
	}
	s.respondJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("deleting task failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "deleting task failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	execID, err := s.runner.ExecuteNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}
