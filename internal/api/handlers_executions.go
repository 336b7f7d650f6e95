package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seaward-sec/opswatch/pkg/types"
)

const defaultListLimit = 100

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := types.ExecutionFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Limit:  queryInt(r, "limit", defaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := types.ExecutionStatus(raw)
		if !status.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		filter.Status = &status
	}

	executions, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing executions failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing executions failed")
		return
	}
	s.respondJSON(w, http.StatusOK, executions)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("loading execution failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading execution failed")
		return
	}
	if exec == nil {
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleGetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.logger.Error("loading execution failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading execution failed")
		return
	}
	if exec == nil {
		s.respondError(w, http.StatusNotFound, "execution not found")
		return
	}

	lines, err := s.store.GetExecutionLogs(r.Context(), id)
	if err != nil {
		s.logger.Error("loading execution logs failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading execution logs failed")
		return
	}
	if lines == nil {
		lines = []types.LogLine{}
	}
	s.respondJSON(w, http.StatusOK, lines)
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
