package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

const (
	defaultModel = "llama3.1"
	redactedKey  = "**REDACTED**"
)

type entryView struct {
	ID           int64     `json:"id"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	BaseURL      string    `json:"base_url"`
	Model        string    `json:"model"`
	Collections  string    `json:"collections"`
	AllowControl bool      `json:"allow_control"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewOf(e storage.Entry) entryView {
	return entryView{
		ID:           e.ID,
		Kind:         e.Kind,
		Title:        e.Title,
		BaseURL:      e.BaseURL,
		Model:        e.Options.Model,
		Collections:  e.Options.Collections,
		AllowControl: e.Options.AllowControl,
		CreatedAt:    e.CreatedAt,
	}
}

type createEntryRequest struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// createEntry is the setup step: it validates connectivity and credentials by
// listing models, blocks duplicates, and seeds recommended options.
func (s *Server) createEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	req.Kind = strings.TrimSpace(req.Kind)
	req.BaseURL = strings.TrimSuffix(strings.TrimSpace(req.BaseURL), "/")
	req.APIKey = strings.TrimSpace(req.APIKey)

	if !storage.ValidKind(req.Kind) {
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be 'conversation' or 'ai_task'")
		return
	}
	if req.BaseURL == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "base_url and api_key are required")
		return
	}

	models, err := s.validateConnection(r.Context(), req.BaseURL, req.APIKey)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}

	model := defaultModel
	if !slices.Contains(models, defaultModel) {
		model = models[0]
	}

	title := req.Title
	if title == "" {
		if req.Kind == storage.KindConversation {
			title = "OpenWebUI Conversation"
		} else {
			title = "OpenWebUI AI Task"
		}
	}

	encKey, err := s.keyring.Seal(req.APIKey)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to seal api key")
		writeError(w, http.StatusInternalServerError, "internal", "failed to store credentials")
		return
	}

	id, err := s.store.CreateEntry(r.Context(), storage.Entry{
		Kind:      req.Kind,
		Title:     title,
		BaseURL:   req.BaseURL,
		EncAPIKey: encKey,
		Options:   storage.EntryOptions{Model: model},
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "already_configured", "an entry for this server already exists")
			return
		}
		s.logger.Error().Err(err).Msg("failed to create entry")
		writeError(w, http.StatusInternalServerError, "internal", "failed to create entry")
		return
	}
	_ = s.store.AppendAudit(r.Context(), storage.AuditEntry{EntryID: id, Action: "created"})

	entry, err := s.store.GetEntry(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Int64("entry_id", id).Msg("failed to reload entry")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load entry")
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(entry))
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListEntries(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list entries")
		writeError(w, http.StatusInternalServerError, "internal", "failed to list entries")
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(entry))
}

type optionsRequest struct {
	Model        *string `json:"model"`
	Collections  *string `json:"collections"`
	AllowControl *bool   `json:"allow_control"`
}

func (s *Server) updateOptions(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	var req optionsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	opts := entry.Options
	if req.Model != nil && strings.TrimSpace(*req.Model) != "" {
		opts.Model = strings.TrimSpace(*req.Model)
	}
	if req.Collections != nil {
		opts.Collections = strings.TrimSpace(*req.Collections)
	}
	if req.AllowControl != nil {
		opts.AllowControl = *req.AllowControl
	}

	if err := s.store.UpdateEntryOptions(r.Context(), entry.ID, opts); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to update options")
		writeError(w, http.StatusInternalServerError, "internal", "failed to update options")
		return
	}
	_ = s.store.AppendAudit(r.Context(), storage.AuditEntry{EntryID: entry.ID, Action: "options_updated"})

	entry.Options = opts
	writeJSON(w, http.StatusOK, viewOf(entry))
}

type reauthRequest struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// reauth replaces the entry's credentials after validating them live.
func (s *Server) reauth(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	var req reauthRequest
	if !decodeBody(w, r, &req) {
		return
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(req.BaseURL), "/")
	if baseURL == "" {
		baseURL = entry.BaseURL
	}
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "api_key is required")
		return
	}

	if _, err := s.validateConnection(r.Context(), baseURL, apiKey); err != nil {
		s.writeValidationError(w, err)
		return
	}

	encKey, err := s.keyring.Seal(apiKey)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to seal api key")
		writeError(w, http.StatusInternalServerError, "internal", "failed to store credentials")
		return
	}
	if err := s.store.UpdateEntryCredentials(r.Context(), entry.ID, baseURL, encKey); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to update credentials")
		writeError(w, http.StatusInternalServerError, "internal", "failed to update credentials")
		return
	}
	_ = s.store.AppendAudit(r.Context(), storage.AuditEntry{EntryID: entry.ID, Action: "reauthenticated"})

	writeJSON(w, http.StatusOK, map[string]string{"result": "reauth_successful"})
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteEntry(r.Context(), entry.ID); err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to delete entry")
		writeError(w, http.StatusInternalServerError, "internal", "failed to delete entry")
		return
	}
	_ = s.store.AppendAudit(r.Context(), storage.AuditEntry{EntryID: entry.ID, Action: "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

// diagnostics reports the redacted entry config plus a live model-list check
// against the server.
func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.entryFromPath(w, r)
	if !ok {
		return
	}

	out := map[string]any{
		"config": map[string]any{
			"kind":          entry.Kind,
			"base_url":      entry.BaseURL,
			"model":         entry.Options.Model,
			"collections":   entry.Options.Collections,
			"allow_control": entry.Options.AllowControl,
			"api_key":       redactedKey,
		},
	}

	liveCheck := map[string]any{"models": []string{}, "list_models_error": nil}
	if apiKey, err := s.keyring.Open(entry.EncAPIKey); err != nil {
		liveCheck["list_models_error"] = "decrypt api key: " + err.Error()
	} else if models, err := s.clients(entry.BaseURL, apiKey).ListModels(r.Context()); err != nil {
		liveCheck["list_models_error"] = err.Error()
	} else {
		liveCheck["models"] = models
	}
	out["live_check"] = liveCheck

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) entryFromPath(w http.ResponseWriter, r *http.Request) (storage.Entry, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "entry id must be an integer")
		return storage.Entry{}, false
	}
	entry, err := s.store.GetEntry(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such entry")
			return storage.Entry{}, false
		}
		s.logger.Error().Err(err).Int64("entry_id", id).Msg("failed to load entry")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load entry")
		return storage.Entry{}, false
	}
	return entry, true
}

func (s *Server) validateConnection(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	models, err := s.clients(baseURL, apiKey).ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, &openwebui.ParseError{Reason: "no models available"}
	}
	return models, nil
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	var authErr *openwebui.AuthError
	if errors.As(err, &authErr) {
		writeError(w, http.StatusBadRequest, "invalid_auth", "the OpenWebUI server rejected the API key")
		return
	}
	writeError(w, http.StatusBadGateway, "cannot_connect", "could not reach the OpenWebUI server: "+err.Error())
}
