// Package session keeps per-conversation state in redis: the rolling message
// history a conversation agent replays into each upstream request, and the
// hourly rate limit protecting the OpenWebUI server.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
)

const defaultMaxTurns = 20

type History struct {
	redis    *redis.Client
	ttl      time.Duration
	maxTurns int
}

func NewHistory(rdb *redis.Client, ttl time.Duration, maxTurns int) *History {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &History{redis: rdb, ttl: ttl, maxTurns: maxTurns}
}

// Append pushes turns onto the conversation's history list, trims it to the
// newest maxTurns entries, and refreshes the TTL.
func (h *History) Append(ctx context.Context, conversationID string, msgs ...openwebui.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	key := historyKey(conversationID)

	vals := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal history turn: %w", err)
		}
		vals = append(vals, b)
	}

	pipe := h.redis.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, int64(-h.maxTurns), -1)
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns the stored turns, oldest first.
func (h *History) Recent(ctx context.Context, conversationID string) ([]openwebui.Message, error) {
	raw, err := h.redis.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	msgs := make([]openwebui.Message, 0, len(raw))
	for _, item := range raw {
		var m openwebui.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("unmarshal history turn: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (h *History) Clear(ctx context.Context, conversationID string) error {
	if err := h.redis.Del(ctx, historyKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func historyKey(conversationID string) string {
	return "owui:conv:" + conversationID
}
