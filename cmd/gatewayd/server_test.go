package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aerochat-ai/gateway"
	"github.com/aerochat-ai/gateway/internal/registry"
	"github.com/aerochat-ai/gateway/internal/session"
	"github.com/aerochat-ai/gateway/providers"
)

type fakeProvider struct {
	name string
	resp *providers.GenerationResponse
	err  error
}

func (f *fakeProvider) Describe() providers.ProviderDescriptor {
	return providers.ProviderDescriptor{Name: f.name, Enabled: true}
}
func (f *fakeProvider) IsAvailable(context.Context) bool { return f.err == nil }
func (f *fakeProvider) Generate(_ context.Context, _ providers.GenerationRequest) (*providers.GenerationResponse, error) {
	return f.resp, f.err
}
func (f *fakeProvider) GenerateStream(_ context.Context, _ providers.GenerationRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Delta: "hi", Done: true}
	close(ch)
	return ch, f.err
}

func testServer(t *testing.T) *server {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/registry.yaml"
	if err := os.WriteFile(path, []byte("providers:\n  test:\n    models: {default: test-model}\ndefaults:\n  provider: test\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	if err := reg.Load(path, ""); err != nil {
		t.Fatal(err)
	}
	pr := providers.NewRegistry()
	pr.Register(&fakeProvider{name: "test", resp: &providers.GenerationResponse{Content: "hello", Provider: "test", Model: "test-model"}})

	gw := gateway.New(gateway.DefaultConfig(), reg, pr, nil, nil)
	return &server{gw: gw, sessions: session.NewMemoryStore(100)}
}

func TestHandleChat(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(chatRequest{
		Agent:    "greeter",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	srv.handleChat(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp providers.GenerationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", resp.Content)
	}
}

func TestHandleChat_SessionRoundTrip(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(chatRequest{
		Agent:    "greeter",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body))
	srv.handleChat(w, r)

	var first chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if first.SessionID == "" {
		t.Fatal("expected a minted session_id")
	}

	rec, err := srv.sessions.Load(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("loading saved session: %v", err)
	}
	var st sessionState
	if err := json.Unmarshal(rec.State, &st); err != nil {
		t.Fatalf("decoding session state: %v", err)
	}
	if len(st.Messages) != 2 || st.Messages[1].Role != providers.RoleAssistant {
		t.Fatalf("expected [user, assistant] history, got %+v", st.Messages)
	}

	body2, _ := json.Marshal(chatRequest{
		Agent:     "greeter",
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "again"}},
		SessionID: first.SessionID,
	})
	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body2))
	srv.handleChat(w2, r2)

	var second chatResponse
	if err := json.Unmarshal(w2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decoding second response: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected session_id to persist across turns, got %q vs %q", second.SessionID, first.SessionID)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("{invalid")))
	srv.handleChat(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleChatStream(t *testing.T) {
	srv := testServer(t)
	body, _ := json.Marshal(chatRequest{
		Agent:    "greeter",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/chat/stream", bytes.NewReader(body))
	srv.handleChatStream(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected SSE body")
	}
}

func TestHandleGetAndDeleteSession(t *testing.T) {
	srv := testServer(t)
	ctx := context.Background()
	if err := srv.sessions.Save(ctx, "sess-1", "tenant-a", []byte("state"), 0); err != nil {
		t.Fatal(err)
	}

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "sess-1")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	srv.handleGetSession(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodDelete, "/sessions/sess-1", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	srv.handleDeleteSession(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.handleHealth(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleReadyAndLive(t *testing.T) {
	srv := testServer(t)

	w := httptest.NewRecorder()
	srv.handleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.handleLive(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
