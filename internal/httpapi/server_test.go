package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Razseal/homeassistant-openwebui/internal/agent"
	"github.com/Razseal/homeassistant-openwebui/internal/aitask"
	"github.com/Razseal/homeassistant-openwebui/internal/openwebui"
	"github.com/Razseal/homeassistant-openwebui/internal/secrets"
	"github.com/Razseal/homeassistant-openwebui/internal/session"
	"github.com/Razseal/homeassistant-openwebui/internal/storage"
)

type stubUpstream struct {
	models    []string
	modelsErr error
	chatResp  openwebui.ChatResponse
	chatErr   error
	uploads   []string
}

func (s *stubUpstream) client(string, string) openwebui.API { return &stubClient{s: s} }

type stubClient struct {
	s *stubUpstream
}

func (c *stubClient) ChatCompletions(context.Context, openwebui.ChatRequest) (openwebui.ChatResponse, error) {
	return c.s.chatResp, c.s.chatErr
}

func (c *stubClient) ListModels(context.Context) ([]string, error) {
	return c.s.models, c.s.modelsErr
}

func (c *stubClient) UploadFile(_ context.Context, name string, _ []byte) (openwebui.FileInfo, error) {
	c.s.uploads = append(c.s.uploads, name)
	return openwebui.FileInfo{ID: "file-1", Filename: name}, nil
}

type fixture struct {
	srv      *httptest.Server
	store    *storage.Store
	upstream *stubUpstream
	keyring  *secrets.Keyring
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := storage.Open(context.Background(), "sqlite",
		fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	keyring, err := secrets.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	up := &stubUpstream{
		models:   []string{"llama3.1", "mistral"},
		chatResp: openwebui.ChatResponse{Text: "hello"},
	}
	history := session.NewHistory(rdb, time.Minute, 10)

	api := New(Config{
		Store:   store,
		Keyring: keyring,
		Agent: agent.New(agent.Config{
			Store:   store,
			Keyring: keyring,
			History: history,
			Clients: up.client,
			Logger:  zerolog.Nop(),
		}),
		Tasks: aitask.New(aitask.Config{
			Store:   store,
			Keyring: keyring,
			History: history,
			Clients: up.client,
			Logger:  zerolog.Nop(),
		}),
		Clients: up.client,
		Logger:  zerolog.Nop(),
	})

	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, upstream: up, keyring: keyring}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, buf.Bytes()
}

func (f *fixture) createEntry(t *testing.T, kind string) int64 {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     kind,
		"base_url": "http://owui.local/",
		"api_key":  "sk-test",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entry status %d: %s", resp.StatusCode, body)
	}
	var view entryView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode entry view: %v", err)
	}
	return view.ID
}

func TestCreateEntrySeedsOptions(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     "conversation",
		"base_url": "http://owui.local/",
		"api_key":  "sk-test",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var view entryView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Model != "llama3.1" {
		t.Fatalf("expected default model seeded, got %q", view.Model)
	}
	if view.BaseURL != "http://owui.local" {
		t.Fatalf("expected trailing slash stripped, got %q", view.BaseURL)
	}
	if strings.Contains(string(body), "sk-test") {
		t.Fatalf("api key leaked into response: %s", body)
	}
}

func TestCreateEntryFallsBackToFirstModel(t *testing.T) {
	f := newFixture(t)
	f.upstream.models = []string{"mistral", "qwen"}

	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     "conversation",
		"base_url": "http://owui.local",
		"api_key":  "sk-test",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var view entryView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Model != "mistral" {
		t.Fatalf("expected first available model, got %q", view.Model)
	}
}

func TestCreateEntryInvalidAuth(t *testing.T) {
	f := newFixture(t)
	f.upstream.modelsErr = &openwebui.AuthError{Status: 401}

	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     "conversation",
		"base_url": "http://owui.local",
		"api_key":  "sk-bad",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "invalid_auth") {
		t.Fatalf("expected invalid_auth error, got %s", body)
	}
}

func TestCreateEntryCannotConnect(t *testing.T) {
	f := newFixture(t)
	f.upstream.modelsErr = &openwebui.UpstreamError{Status: 503}

	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     "conversation",
		"base_url": "http://owui.local",
		"api_key":  "sk-test",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "cannot_connect") {
		t.Fatalf("expected cannot_connect error, got %s", body)
	}
}

func TestCreateEntryDuplicate(t *testing.T) {
	f := newFixture(t)
	f.createEntry(t, "conversation")

	resp, body := f.do(t, http.MethodPost, "/v1/entries", map[string]any{
		"kind":     "conversation",
		"base_url": "http://owui.local",
		"api_key":  "sk-test",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestUpdateOptions(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	resp, body := f.do(t, http.MethodPatch, fmt.Sprintf("/v1/entries/%d/options", id), map[string]any{
		"model":         "mistral",
		"collections":   "docs,notes",
		"allow_control": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var view entryView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Model != "mistral" || view.Collections != "docs,notes" || !view.AllowControl {
		t.Fatalf("unexpected options %+v", view)
	}
}

func TestDiagnosticsRedactsAPIKey(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/v1/entries/%d/diagnostics", id), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "sk-test") {
		t.Fatalf("api key leaked into diagnostics: %s", body)
	}
	if !strings.Contains(string(body), redactedKey) {
		t.Fatalf("expected redacted marker, got %s", body)
	}
	if !strings.Contains(string(body), "llama3.1") {
		t.Fatalf("expected live model check in diagnostics, got %s", body)
	}
}

func TestConverseEndToEnd(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	resp, body := f.do(t, http.MethodPost, "/v1/conversation/process", map[string]any{
		"entry_id": id,
		"text":     "hello there",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var res agent.ConverseResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Success || res.Speech != "hello" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestConverseUpstreamFailureIsUserVisible(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")
	f.upstream.chatErr = &openwebui.AuthError{Status: 401}

	resp, body := f.do(t, http.MethodPost, "/v1/conversation/process", map[string]any{
		"entry_id": id,
		"text":     "hello there",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with error result, got %d: %s", resp.StatusCode, body)
	}
	var res agent.ConverseResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Success || res.ErrorCode != agent.ErrCodeInvalidAuth || res.Speech == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateDataStructured(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "ai_task")
	f.upstream.chatResp = openwebui.ChatResponse{Text: `{"on": true}`}

	resp, body := f.do(t, http.MethodPost, "/v1/ai_task/generate_data", map[string]any{
		"entry_id":     id,
		"instructions": "should the light be on?",
		"structure":    map[string]any{"on": "boolean"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var res generateDataResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	var data struct {
		On bool `json:"on"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("unmarshal structured data: %v", err)
	}
	if !data.On {
		t.Fatalf("unexpected data %s", res.Data)
	}
}

func TestGenerateDataParseFailure(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "ai_task")
	f.upstream.chatResp = openwebui.ChatResponse{Text: "not json at all"}

	resp, body := f.do(t, http.MethodPost, "/v1/ai_task/generate_data", map[string]any{
		"entry_id":     id,
		"instructions": "report",
		"structure":    map[string]any{},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "bad_response") {
		t.Fatalf("expected bad_response error, got %s", body)
	}
}

func TestUploadFile(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("entry_id", fmt.Sprintf("%d", id)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("hello")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/files", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var info openwebui.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if info.ID != "file-1" || info.Filename != "notes.txt" {
		t.Fatalf("unexpected file info %+v", info)
	}
	if len(f.upstream.uploads) != 1 || f.upstream.uploads[0] != "notes.txt" {
		t.Fatalf("unexpected uploads %v", f.upstream.uploads)
	}
}

func TestDeleteEntry(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	resp, _ := f.do(t, http.MethodDelete, fmt.Sprintf("/v1/entries/%d", id), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, fmt.Sprintf("/v1/entries/%d", id), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestReauth(t *testing.T) {
	f := newFixture(t)
	id := f.createEntry(t, "conversation")

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/v1/entries/%d/reauth", id), map[string]any{
		"api_key": "sk-rotated",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	entry, err := f.store.GetEntry(context.Background(), id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	plain, err := f.keyring.Open(entry.EncAPIKey)
	if err != nil {
		t.Fatalf("open sealed key: %v", err)
	}
	if plain != "sk-rotated" {
		t.Fatalf("expected rotated key stored, got %q", plain)
	}
}
