package openwebui

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FileRef points a chat request at server-side retrieval context.
// RAG collections use Type "collection"; uploaded files use Type "file".
type FileRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func CollectionRefs(ids []string) []FileRef {
	if len(ids) == 0 {
		return nil
	}
	refs := make([]FileRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, FileRef{Type: "collection", ID: id})
	}
	return refs
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Files    []FileRef `json:"files,omitempty"`
}

type ChatResponse struct {
	Text string
	Raw  json.RawMessage
}

type FileInfo struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// API is the slice of the OpenWebUI surface the rest of the service consumes.
// Entities and handlers take this instead of *Client so tests can stub the upstream.
type API interface {
	ChatCompletions(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ListModels(ctx context.Context) ([]string, error)
	UploadFile(ctx context.Context, name string, data []byte) (FileInfo, error)
}

// Factory builds a client for one configured entry's connection settings.
type Factory func(baseURL, apiKey string) API
