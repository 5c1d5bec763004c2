// Package agent implements the conversation side of the bridge: it turns one
// user utterance plus stored history into a chat request against the entry's
// OpenWebUI server and hands back speakable text. Upstream failures become
// user-visible error turns, never raw errors.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

const (
	ErrCodeNotFound      = "entry_not_found"
	ErrCodeInvalidEntry  = "invalid_entry"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInvalidAuth   = "invalid_auth"
	ErrCodeCannotConnect = "cannot_connect"
	ErrCodeBadResponse   = "bad_response"

	fallbackSpeech = "I don't have a response."
)

type ConverseRequest struct {
	EntryID        int64
	ConversationID string
	Text           string
	Language       string
}

type ConverseResult struct {
	ConversationID string `json:"conversation_id"`
	Speech         string `json:"speech"`
	Success        bool   `json:"success"`
	ErrorCode      string `json:"error_code,omitempty"`
}

type Agent struct {
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

func New(cfg Config) *Agent {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Agent{
		store:   cfg.Store,
		keyring: cfg.Keyring,
		history: cfg.History,
		rate:    cfg.Rate,
		clients: cfg.Clients,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Converse handles one utterance. The returned result is always host-safe:
// when anything fails, Success is false, ErrorCode names the failure class
// and Speech carries a message suitable for the voice pipeline.
func (a *Agent) Converse(ctx context.Context, req ConverseRequest) (ConverseResult, error) {
	a.metrics.ConversationsTotal.Inc()

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		convID = NewConversationID()
	}

	entry, err := a.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return a.errorResult(convID, ErrCodeNotFound, "This assistant is not configured."), nil
		}
		return ConverseResult{}, fmt.Errorf("load entry: %w", err)
	}
	if entry.Kind != storage.KindConversation {
		return a.errorResult(convID, ErrCodeInvalidEntry, "This entry does not support conversation."), nil
	}

	if a.rate != nil {
		allowed, _, resetAt, err := a.rate.Allow(ctx, entry.ID, time.Now())
		if err != nil {
			a.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("rate limiter failed")
		} else if !allowed {
			a.metrics.RateLimitedTotal.Inc()
			speech := fmt.Sprintf("I'm getting too many requests right now. Try again after %s.", resetAt.UTC().Format("15:04 MST"))
			return a.errorResult(convID, ErrCodeRateLimited, speech), nil
		}
	}

	apiKey, err := a.keyring.Open(entry.EncAPIKey)
	if err != nil {
		return ConverseResult{}, fmt.Errorf("decrypt api key: %w", err)
	}

	prior, err := a.history.Recent(ctx, convID)
	if err != nil {
		a.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to load history, continuing without it")
		prior = nil
	}

	messages := make([]openwebui.Message, 0, len(prior)+1)
	messages = append(messages, prior...)
	userTurn := openwebui.Message{Role: openwebui.RoleUser, Content: req.Text}
	messages = append(messages, userTurn)

	chatReq := openwebui.ChatRequest{
		Model:    entry.Options.Model,
		Messages: messages,
		Files:    openwebui.CollectionRefs(entry.Options.CollectionIDs()),
	}

	a.metrics.UpstreamRequestsTotal.Inc()
	resp, err := a.clients(entry.BaseURL, apiKey).ChatCompletions(ctx, chatReq)
	if err != nil {
		a.metrics.UpstreamErrorsTotal.Inc()
		code, speech := describeUpstreamError(err)
		a.logger.Error().Err(err).
			Int64("entry_id", entry.ID).
			Str("conversation_id", convID).
			Str("code", code).
			Msg("conversation request failed")
		return a.errorResult(convID, code, speech), nil
	}

	speech := strings.TrimSpace(resp.Text)
	if speech == "" {
		speech = fallbackSpeech
	}

	if err := a.history.Append(ctx, convID, userTurn, openwebui.Message{Role: openwebui.RoleAssistant, Content: speech}); err != nil {
		a.logger.Error().Err(err).Str("conversation_id", convID).Msg("failed to store history")
	}

	return ConverseResult{
		ConversationID: convID,
		Speech:         speech,
		Success:        true,
	}, nil
}

func (a *Agent) errorResult(convID, code, speech string) ConverseResult {
	a.metrics.ConversationErrorsTotal.Inc()
	return ConverseResult{
		ConversationID: convID,
		Speech:         speech,
		Success:        false,
		ErrorCode:      code,
	}
}

func describeUpstreamError(err error) (code, speech string) {
	var authErr *openwebui.AuthError
	var parseErr *openwebui.ParseError
	switch {
	case errors.As(err, &authErr):
		return ErrCodeInvalidAuth, "The OpenWebUI server rejected my credentials. Please check the API key."
	case errors.As(err, &parseErr):
		return ErrCodeBadResponse, "The OpenWebUI server returned something I couldn't understand."
	default:
		return ErrCodeCannotConnect, "I couldn't reach the OpenWebUI server. Please try again later."
	}
}

func NewConversationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("conv-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
