package dify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		APIKey:          "app-test",
		BaseURL:         url,
		Timeout:         5 * time.Second,
		RetryMaxElapsed: 10 * time.Second,
		Logger:          testLogger(),
	})
}

const helloStream = "data: {\"event\":\"agent_message\",\"answer\":\"{\\\"need_response\\\": true, \\\"message\\\": \\\"Hel\"}\n\n" +
	"data: {\"event\":\"agent_message\",\"answer\":\"lo\\\"}\"}\n\n" +
	"data: {\"event\":\"message_end\",\"conversation_id\":\"abc\"}\n\n"

// --- Request shape ---

func TestSendChatMessage_RequestShape(t *testing.T) {
	var got chatMessageBody
	var auth, accept, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, helloStream)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.SendChatMessage(context.Background(), ChatRequest{
		Query:          "hi",
		User:           "alice",
		ConversationID: "prev",
		Inputs:         map[string]any{InputRunType: "chat", InputChatPlace: "telegram"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello" || resp.ConversationID != "abc" || !resp.NeedsReply {
		t.Fatalf("unexpected response %+v", resp)
	}

	if path != "/v1/chat-messages" {
		t.Errorf("expected /v1/chat-messages, got %q", path)
	}
	if auth != "Bearer app-test" {
		t.Errorf("unexpected Authorization %q", auth)
	}
	if accept != "text/event-stream" {
		t.Errorf("unexpected Accept %q", accept)
	}
	if got.Query != "hi" || got.User != "alice" || got.ConversationID != "prev" {
		t.Errorf("unexpected body %+v", got)
	}
	if got.ResponseMode != "streaming" {
		t.Errorf("expected streaming mode, got %q", got.ResponseMode)
	}
	if got.Inputs[InputRunType] != "chat" || got.Inputs[InputChatPlace] != "telegram" {
		t.Errorf("unexpected inputs %v", got.Inputs)
	}
}

func TestSendChatMessage_NilInputsEncodedAsObject(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		io.WriteString(w, helloStream)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"}); err != nil {
		t.Fatal(err)
	}
	if string(raw["inputs"]) != "{}" {
		t.Fatalf("expected inputs {}, got %s", raw["inputs"])
	}
	if string(raw["conversation_id"]) != `""` {
		t.Fatalf("expected empty conversation_id, got %s", raw["conversation_id"])
	}
}

func TestChatMessagesURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.dify.ai", "https://api.dify.ai/v1/chat-messages"},
		{"https://api.dify.ai/", "https://api.dify.ai/v1/chat-messages"},
		{"https://api.dify.ai/v1", "https://api.dify.ai/v1/chat-messages"},
		{"https://api.dify.ai/v1/", "https://api.dify.ai/v1/chat-messages"},
		{" http://localhost:5001 ", "http://localhost:5001/v1/chat-messages"},
	}
	for _, tt := range tests {
		if got := chatMessagesURL(tt.base); got != tt.want {
			t.Errorf("chatMessagesURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

// --- Outcomes ---

func TestSendChatMessage_NoTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"event\":\"agent_message\",\"answer\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.NeedsReply || resp.ShouldSend() {
		t.Fatalf("expected no reply, got %+v", resp)
	}
}

func TestSendChatMessage_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"event\":\"agent_message\",\"answer\":\"oops\"}\n\ndata: {\"event\":\"message_end\"}\n\n")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

// --- Retry ---

func TestSendChatMessage_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, helloStream)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("expected 'Hello', got %q", resp.Text)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSendChatMessage_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", se.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestSendChatMessage_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	// The first backoff alone exceeds the budget.
	c := NewClient(Config{BaseURL: srv.URL, RetryMaxElapsed: 100 * time.Millisecond, Logger: testLogger()})
	_, err := c.SendChatMessage(context.Background(), ChatRequest{Query: "q", User: "u"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected wrapped 502, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestSendChatMessage_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).SendChatMessage(ctx, ChatRequest{Query: "q", User: "u"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStatusError_Retryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{500, true}, {502, true}, {503, true}, {408, true}, {429, true},
		{400, false}, {401, false}, {403, false}, {404, false},
	}
	for _, tt := range tests {
		if got := (&StatusError{StatusCode: tt.code}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestBackoffFor(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffFor(attempt)
		base := retryInitialBackoff << (attempt - 1)
		if base > retryMaxBackoff {
			base = retryMaxBackoff
		}
		if d < base || d > base+base/2 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, d, base, base+base/2)
		}
	}
}
