package openwebui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	chatPath   = "/api/chat/completions"
	modelsPath = "/api/models"
	uploadPath = "/api/v1/files/"

	maxResponseBytes = 4 << 20
)

type Config struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{cfg: cfg}
}

var _ API = (*Client)(nil)

// ChatCompletions sends one chat request and returns the assistant reply.
// Transient failures (network, 5xx, 429) are retried with exponential backoff;
// auth rejections and malformed responses are terminal.
func (c *Client) ChatCompletions(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return ChatResponse{}, fmt.Errorf("model is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal chat request: %w", err)
	}

	endpoint, err := c.endpointURL(chatPath)
	if err != nil {
		return ChatResponse{}, err
	}

	raw, err := c.doWithRetry(ctx, http.MethodPost, endpoint, "application/json", body)
	if err != nil {
		return ChatResponse{}, err
	}

	text, err := parseChatCompletions(raw)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{Text: text, Raw: raw}, nil
}

// ListModels returns the ids of models the server exposes to this API key.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	endpoint, err := c.endpointURL(modelsPath)
	if err != nil {
		return nil, err
	}

	raw, err := c.doWithRetry(ctx, http.MethodGet, endpoint, "", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ParseError{Reason: "decode models response: " + err.Error(), Raw: string(raw)}
	}
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// UploadFile pushes raw bytes to the server's file store and returns the file
// id usable as a FileRef in later chat requests.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (FileInfo, error) {
	endpoint, err := c.endpointURL(uploadPath)
	if err != nil {
		return FileInfo{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return FileInfo{}, fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return FileInfo{}, fmt.Errorf("write multipart form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("close multipart form: %w", err)
	}

	raw, err := c.doWithRetry(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return FileInfo{}, err
	}

	var info FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return FileInfo{}, &ParseError{Reason: "decode upload response: " + err.Error(), Raw: string(raw)}
	}
	if info.ID == "" {
		return FileInfo{}, &ParseError{Reason: "missing file id in upload response", Raw: string(raw)}
	}
	return info, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, endpoint, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		raw, retry, err := c.doOnce(ctx, method, endpoint, contentType, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint, contentType string, body []byte) (raw []byte, retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, true, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, &UpstreamError{Err: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, &AuthError{Status: resp.StatusCode}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, &UpstreamError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, false, &UpstreamError{Status: resp.StatusCode}
	}
	return raw, false, nil
}

func (c *Client) endpointURL(path string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &ParseError{Reason: "decode chat completion response: " + err.Error(), Raw: string(body)}
	}
	if len(resp.Choices) == 0 {
		return "", &ParseError{Reason: "empty choices in chat completion response", Raw: string(body)}
	}
	return anyToText(resp.Choices[0].Message.Content), nil
}

// anyToText flattens the content field, which OpenWebUI may return either as
// a plain string or as a list of typed content parts.
func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
