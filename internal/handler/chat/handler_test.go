package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/store"
)

func setupRouter(t *testing.T) (*chi.Mux, *store.MemoryStore) {
	t.Helper()
	clock := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	messages := store.NewMemoryStore(store.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	t.Cleanup(func() { _ = messages.Close() })

	r := chi.NewRouter()
	New(messages, nil).RegisterRoutes(r)
	return r, messages
}

func postMessage(t *testing.T, r http.Handler, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateMessage(t *testing.T) {
	r, messages := setupRouter(t)

	resp := postMessage(t, r, map[string]string{"email": "a@x.com", "name": "Ann", "sender": "customer", "text": " hello "})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var created map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["id"] == "" {
		t.Fatalf("expected durable id in response")
	}

	stored, err := messages.Snapshot(context.Background(), chat.Filter{Field: chat.FieldEmail, Equals: "a@x.com"})
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != created["id"] || stored[0].Body != "hello" {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}
}

func TestCreateMessageRejectsInvalidPayload(t *testing.T) {
	r, _ := setupRouter(t)

	cases := map[string]map[string]string{
		"empty text":   {"email": "a@x.com", "sender": "customer", "text": "  "},
		"no identity":  {"sender": "customer", "text": "hello"},
		"unknown role": {"email": "a@x.com", "sender": "bot", "text": "hello"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if resp := postMessage(t, r, body); resp.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.Code)
			}
		})
	}
}

func TestListMessagesFiltersByKey(t *testing.T) {
	r, _ := setupRouter(t)
	postMessage(t, r, map[string]string{"email": "a@x.com", "sender": "customer", "text": "hello"})
	postMessage(t, r, map[string]string{"userId": "u1", "sender": "customer", "text": "hi"})

	req := httptest.NewRequest(http.MethodGet, "/messages?field=email&equals=a@x.com", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Body != "hello" {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
}

func TestListMessagesRejectsUnknownField(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/messages?field=phone&equals=123", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListThreads(t *testing.T) {
	r, _ := setupRouter(t)
	postMessage(t, r, map[string]string{"userId": "u1", "name": "Diana Rose", "sender": "customer", "text": "where is my order?"})
	postMessage(t, r, map[string]string{"userId": "u2", "name": "Clark Kent", "sender": "customer", "text": "do you ship abroad?"})
	postMessage(t, r, map[string]string{"userId": "u1", "name": "Diana Rose", "sender": "admin", "text": "it left this morning"})

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var body struct {
		Threads []chat.ConversationThread `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(body.Threads))
	}
	first := body.Threads[0]
	if first.Key.Value != "u1" || first.LastMessageText != "it left this morning" || first.UnreadCount != 1 {
		t.Fatalf("unexpected first thread: %+v", first)
	}

	req = httptest.NewRequest(http.MethodGet, "/threads?q=clark", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	body.Threads = nil
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Threads) != 1 || body.Threads[0].DisplayName != "Clark Kent" {
		t.Fatalf("unexpected search result: %+v", body.Threads)
	}
}
