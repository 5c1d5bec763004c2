package storage

import (
	"strings"
	"time"
)

const (
	KindConversation = "conversation"
	KindAITask       = "ai_task"
)

// Entry is one configured connection to an OpenWebUI server, the persistent
// analog of an integration config entry. Connection fields change only
// through reauth; Options are freely editable.
type Entry struct {
	ID        int64
	Kind      string
	Title     string
	BaseURL   string
	EncAPIKey string
	Options   EntryOptions
	CreatedAt time.Time
}

type EntryOptions struct {
	Model        string
	Collections  string // comma-separated RAG collection ids, stored verbatim
	AllowControl bool
}

// CollectionIDs splits the configured collections, preserving order and
// dropping empty items. No deduplication.
func (o EntryOptions) CollectionIDs() []string {
	if strings.TrimSpace(o.Collections) == "" {
		return nil
	}
	parts := strings.Split(o.Collections, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func ValidKind(kind string) bool {
	return kind == KindConversation || kind == KindAITask
}

type AuditEntry struct {
	EntryID  int64
	Action   string
	MetaJSON string
}
