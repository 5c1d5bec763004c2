// Package httpapi exposes the bridge to its host: entry setup and options
// (the config-flow analog), the conversation and AI-task operations, file
// uploads, and per-entry diagnostics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Razseal/homeassistant-openwebui/internal/agent"
	"github.com/Razseal/homeassistant-openwebui/internal/aitask"
	"github.com/Razseal/homeassistant-openwebui/internal/metrics"
	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/secrets"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

type Server struct {
	store   *storage.Store
	keyring *secrets.Keyring
	agent   *agent.Agent
	tasks   *aitask.Runner
	clients openwebui.Factory
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store   *storage.Store
	Keyring *secrets.Keyring
	Agent   *agent.Agent
	Tasks   *aitask.Runner
	Clients openwebui.Factory
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		store:   cfg.Store,
		keyring: cfg.Keyring,
		agent:   cfg.Agent,
		tasks:   cfg.Tasks,
		clients: cfg.Clients,
		logger:  cfg.Logger,
		metrics: m,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/entries", s.createEntry)
	mux.HandleFunc("GET /v1/entries", s.listEntries)
	mux.HandleFunc("GET /v1/entries/{id}", s.getEntry)
	mux.HandleFunc("PATCH /v1/entries/{id}/options", s.updateOptions)
	mux.HandleFunc("POST /v1/entries/{id}/reauth", s.reauth)
	mux.HandleFunc("DELETE /v1/entries/{id}", s.deleteEntry)
	mux.HandleFunc("GET /v1/entries/{id}/diagnostics", s.diagnostics)
	mux.HandleFunc("POST /v1/conversation/process", s.converse)
	mux.HandleFunc("POST /v1/ai_task/generate_data", s.generateData)
	mux.HandleFunc("POST /v1/files", s.uploadFile)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	return true
}
