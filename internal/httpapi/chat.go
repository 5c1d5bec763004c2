package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Razseal/homeassistant-openwebui/internal/agent"
	"github.com/Razseal/homeassistant-openwebui/internal/aitask"
	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

type converseRequest struct {
	EntryID        int64  `json:"entry_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Language       string `json:"language"`
}

// converse always answers 200: failures arrive as an unsuccessful result the
// host can speak, never as a broken conversation session.
func (s *Server) converse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "text is required")
		return
	}

	res, err := s.agent.Converse(r.Context(), agent.ConverseRequest{
		EntryID:        req.EntryID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Language:       req.Language,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("entry_id", req.EntryID).Msg("conversation failed internally")
		writeError(w, http.StatusInternalServerError, "internal", "conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type generateDataRequest struct {
	EntryID        int64           `json:"entry_id"`
	Name           string          `json:"name"`
	Instructions   string          `json:"instructions"`
	Structure      json.RawMessage `json:"structure,omitempty"`
	ConversationID string          `json:"conversation_id"`
}

type generateDataResponse struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	Text           string          `json:"text"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func (s *Server) generateData(w http.ResponseWriter, r *http.Request) {
	var req generateDataRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Instructions == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "instructions is required")
		return
	}

	res, err := s.tasks.GenerateData(r.Context(), aitask.Task{
		EntryID:        req.EntryID,
		Name:           req.Name,
		Instructions:   req.Instructions,
		Structure:      req.Structure,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.writeTaskError(w, req.EntryID, err)
		return
	}
	writeJSON(w, http.StatusOK, generateDataResponse{
		ConversationID: res.ConversationID,
		Text:           res.Text,
		Data:           res.Data,
	})
}

func (s *Server) writeTaskError(w http.ResponseWriter, entryID int64, err error) {
	var authErr *openwebui.AuthError
	var parseErr *openwebui.ParseError
	var upErr *openwebui.UpstreamError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such entry")
	case errors.Is(err, aitask.ErrWrongKind):
		writeError(w, http.StatusBadRequest, "invalid_entry", "entry does not support ai tasks")
	case errors.Is(err, aitask.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "hourly rate limit exceeded")
	case errors.As(err, &authErr):
		writeError(w, http.StatusBadGateway, "invalid_auth", "the OpenWebUI server rejected the API key")
	case errors.As(err, &parseErr):
		writeError(w, http.StatusBadGateway, "bad_response", parseErr.Error())
	case errors.As(err, &upErr):
		writeError(w, http.StatusBadGateway, "cannot_connect", "could not reach the OpenWebUI server")
	default:
		s.logger.Error().Err(err).Int64("entry_id", entryID).Msg("ai task failed internally")
		writeError(w, http.StatusInternalServerError, "internal", "ai task failed")
	}
}

// uploadFile forwards a multipart attachment to the entry's server and
// returns the file id usable in later requests.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "expected multipart form data")
		return
	}
	entryID, err := strconv.ParseInt(r.FormValue("entry_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "entry_id must be an integer")
		return
	}

	entry, err := s.store.GetEntry(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such entry")
			return
		}
		s.logger.Error().Err(err).Int64("entry_id", entryID).Msg("failed to load entry")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load entry")
		return
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields", "file field is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read file")
		return
	}

	apiKey, err := s.keyring.Open(entry.EncAPIKey)
	if err != nil {
		s.logger.Error().Err(err).Int64("entry_id", entryID).Msg("failed to decrypt api key")
		writeError(w, http.StatusInternalServerError, "internal", "failed to load credentials")
		return
	}

	info, err := s.clients(entry.BaseURL, apiKey).UploadFile(r.Context(), hdr.Filename, data)
	if err != nil {
		s.metrics.UpstreamErrorsTotal.Inc()
		s.writeTaskError(w, entryID, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}
