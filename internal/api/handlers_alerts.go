package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/internal/cache"
	"github.com/seaward-sec/opswatch/pkg/types"
)

// listCacheTTL bounds staleness of cached asset and alert list responses.
const listCacheTTL = 30 * time.Second

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	filter := types.AssetFilter{
		AssetType: r.URL.Query().Get("asset_type"),
		Source:    r.URL.Query().Get("source"),
		Limit:     queryInt(r, "limit", defaultListLimit),
		Offset:    queryInt(r, "offset", 0),
	}

	key := cache.AssetListKey(filter.AssetType, filter.Source, filter.Limit, filter.Offset)
	var cached []types.Asset
	if hit, err := s.cache.GetJSON(r.Context(), key, &cached); err == nil && hit {
		s.respondJSON(w, http.StatusOK, cached)
		return
	}

	assets, err := s.store.ListAssets(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing assets failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing assets failed")
		return
	}
	if assets == nil {
		assets = []types.Asset{}
	}
	if err := s.cache.SetJSON(r.Context(), key, assets, listCacheTTL); err != nil {
		s.logger.Warn("caching asset list failed", "error", err)
	}
	s.respondJSON(w, http.StatusOK, assets)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := types.AlertFilter{
		Severity: r.URL.Query().Get("severity"),
		Source:   r.URL.Query().Get("source"),
		Limit:    queryInt(r, "limit", defaultListLimit),
		Offset:   queryInt(r, "offset", 0),
	}

	// Cache only the severity-keyed shape; source filters are rare.
	key := ""
	if filter.Source == "" {
		key = cache.AlertListKey(filter.Severity, filter.Limit, filter.Offset)
		var cached []types.Alert
		if hit, err := s.cache.GetJSON(r.Context(), key, &cached); err == nil && hit {
			s.respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing alerts failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing alerts failed")
		return
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	if key != "" {
		if err := s.cache.SetJSON(r.Context(), key, alerts, listCacheTTL); err != nil {
			s.logger.Warn("caching alert list failed", "error", err)
		}
	}
	s.respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("loading alert failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading alert failed")
		return
	}
	if alert == nil {
		s.respondError(w, http.StatusNotFound, "alert not found")
		return
	}
	s.respondJSON(w, http.StatusOK, alert)
}

// =============================================================================
// CHANNELS
// =============================================================================

type channelRequest struct {
	Name       string            `json:"name"`
	Type       types.ChannelType `json:"type"`
	WebhookURL string            `json:"webhook_url"`
	Secret     string            `json:"secret"`
	Enabled    *bool             `json:"enabled"`
}

func (req *channelRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if !req.Type.Valid() {
		return "unknown channel type: " + string(req.Type)
	}
	if req.WebhookURL == "" {
		return "webhook_url is required"
	}
	return ""
}

// applyChannelUpdate merges an update request into an existing channel.
// The type anchors the one-default-per-type rule and the per-channel
// delivery flags on existing alerts, so it is immutable: create a new
// channel instead. An empty secret keeps the stored one.
func applyChannelUpdate(existing *types.ChannelConfig, req channelRequest) string {
	if req.Type != existing.Type {
		return "channel type cannot be changed"
	}
	existing.Name = req.Name
	existing.WebhookURL = req.WebhookURL
	if req.Secret != "" {
		existing.Secret = req.Secret
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}
	return ""
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.logger.Error("listing channels failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing channels failed")
		return
	}
	s.respondJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ch := &types.ChannelConfig{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Type:       req.Type,
		WebhookURL: req.WebhookURL,
		Secret:     req.Secret,
		Enabled:    enabled,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateChannel(r.Context(), ch); err != nil {
		s.logger.Error("creating channel failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "creating channel failed")
		return
	}
	s.respondJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("loading channel failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading channel failed")
		return
	}
	if ch == nil {
		s.respondError(w, http.StatusNotFound, "channel not found")
		return
	}
	s.respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetChannel(r.Context(), id)
	if err != nil {
		s.logger.Error("loading channel failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "loading channel failed")
		return
	}
	if existing == nil {
		s.respondError(w, http.StatusNotFound, "channel not found")
		return
	}

	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := applyChannelUpdate(existing, req); msg != "" {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.store.UpdateChannel(r.Context(), existing); err != nil {
		s.logger.Error("updating channel failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "updating channel failed")
		return
	}
	s.respondJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("deleting channel failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "deleting channel failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetDefaultChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CREDENTIALS
// =============================================================================

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		s.respondError(w, http.StatusNotImplemented, "no credential backend configured")
		return
	}
	ids, err := s.credentials.List(r.Context())
	if err != nil {
		s.logger.Error("listing credentials failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "listing credentials failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusOK, ids)
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		s.respondError(w, http.StatusNotImplemented, "no credential backend configured")
		return
	}
	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(fields) == 0 {
		s.respondError(w, http.StatusBadRequest, "credential has no fields")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.credentials.Put(r.Context(), id, fields); err != nil {
		s.logger.Error("storing credential failed", "credential", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "storing credential failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
