// Package aitask implements structured generation for automations: a task's
// instructions are relayed to the entry's OpenWebUI server and, when the task
// requests a structure, the reply must come back as valid JSON.
package aitask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Razseal/homeassistant-openwebui/internal/metrics"
	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/secrets"
	"github.com/Razseal/homeassistant-openwebui/internal/session"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

// jsonInstructions primes the model before any task instructions.
const jsonInstructions = "You are an API. When the user requests a structure, return ONLY valid JSON matching it. " +
	"No prose and no code fences."

var (
	ErrWrongKind   = errors.New("entry does not support ai tasks")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type Task struct {
	EntryID        int64
	Name           string
	Instructions   string
	Structure      json.RawMessage // optional; presence demands a JSON reply
	ConversationID string
}

type Result struct {
	ConversationID string
	Text           string
	Data           json.RawMessage // set when the task requested a structure
}

type Runner struct {
	store   *storage.Store
	keyring *secrets.Keyring
	history *session.History
	rate    *session.RateLimiter
	clients openwebui.Factory
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store   *storage.Store
	Keyring *secrets.Keyring
	History *session.History
	Rate    *session.RateLimiter
	Clients openwebui.Factory
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Runner {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Runner{
		store:   cfg.Store,
		keyring: cfg.Keyring,
		history: cfg.History,
		rate:    cfg.Rate,
		clients: cfg.Clients,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// GenerateData runs one task. Unlike the conversation agent this propagates
// typed errors: the caller is an automation, not a voice pipeline, and wants
// the failure class rather than speakable text.
func (r *Runner) GenerateData(ctx context.Context, task Task) (Result, error) {
	r.metrics.TaskRunsTotal.Inc()

	entry, err := r.store.GetEntry(ctx, task.EntryID)
	if err != nil {
		r.metrics.TaskErrorsTotal.Inc()
		return Result{}, fmt.Errorf("load entry: %w", err)
	}
	if entry.Kind != storage.KindAITask {
		r.metrics.TaskErrorsTotal.Inc()
		return Result{}, ErrWrongKind
	}

	if r.rate != nil {
		allowed, _, _, err := r.rate.Allow(ctx, entry.ID, time.Now())
		if err != nil {
			r.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("rate limiter failed")
		} else if !allowed {
			r.metrics.RateLimitedTotal.Inc()
			r.metrics.TaskErrorsTotal.Inc()
			return Result{}, ErrRateLimited
		}
	}

	apiKey, err := r.keyring.Open(entry.EncAPIKey)
	if err != nil {
		r.metrics.TaskErrorsTotal.Inc()
		return Result{}, fmt.Errorf("decrypt api key: %w", err)
	}

	messages := []openwebui.Message{{Role: openwebui.RoleSystem, Content: jsonInstructions}}
	if convID := strings.TrimSpace(task.ConversationID); convID != "" {
		prior, err := r.history.Recent(ctx, convID)
		if err != nil {
			r.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to load chat log, continuing without it")
		} else {
			messages = append(messages, prior...)
		}
	}
	messages = append(messages, openwebui.Message{Role: openwebui.RoleUser, Content: task.Instructions})

	chatReq := openwebui.ChatRequest{
		Model:    entry.Options.Model,
		Messages: messages,
		Files:    openwebui.CollectionRefs(entry.Options.CollectionIDs()),
	}

	r.metrics.UpstreamRequestsTotal.Inc()
	resp, err := r.clients(entry.BaseURL, apiKey).ChatCompletions(ctx, chatReq)
	if err != nil {
		r.metrics.UpstreamErrorsTotal.Inc()
		r.metrics.TaskErrorsTotal.Inc()
		r.logger.Error().Err(err).Int64("entry_id", entry.ID).Str("task", task.Name).Msg("ai task request failed")
		return Result{}, err
	}

	text := strings.TrimSpace(resp.Text)
	result := Result{ConversationID: task.ConversationID, Text: text}

	if len(task.Structure) == 0 {
		return result, nil
	}

	var parsed json.RawMessage
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		r.metrics.TaskErrorsTotal.Inc()
		return Result{}, &openwebui.ParseError{
			Reason: "model did not return valid JSON for the requested structure",
			Raw:    text,
		}
	}
	result.Data = parsed
	return result, nil
}
