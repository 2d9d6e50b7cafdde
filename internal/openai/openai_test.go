package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/model"
)

func testRequest() model.Request {
	return model.Request{
		SystemPrompt: "You are a bot.",
		History: []conversation.Turn{
			{Role: conversation.RoleUser, Content: "hello"},
			{Role: conversation.RoleAssistant, Content: "hi there"},
			{Role: conversation.RoleUser, Content: "how are you"},
		},
		Options: model.DefaultOptions(),
	}
}

func TestComplete_SendsPayloadAndHeaders(t *testing.T) {
	var got chatRequest
	var auth, contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"fine"}}]}`)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "deepseek-chat", 5*time.Second)
	req := testRequest()
	result := client.Complete(context.Background(), req)
	if !result.OK() {
		t.Fatalf("unexpected failure: %v", result.Err)
	}

	if auth != "Bearer test-key" {
		t.Errorf("unexpected Authorization header %q", auth)
	}
	if contentType != "application/json" {
		t.Errorf("unexpected Content-Type %q", contentType)
	}
	if got.Model != "deepseek-chat" {
		t.Errorf("unexpected model %q", got.Model)
	}
	if got.Temperature != 0.7 || got.MaxTokens != 1000 {
		t.Errorf("unexpected options temperature=%v max_tokens=%d", got.Temperature, got.MaxTokens)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "You are a bot." {
		t.Errorf("unexpected system message: %+v", got.Messages[0])
	}
	for i, turn := range req.History {
		m := got.Messages[i+1]
		if m.Role != string(turn.Role) || m.Content != turn.Content {
			t.Errorf("message %d: expected %+v, got %+v", i+1, turn, m)
		}
	}
}

func TestComplete_WithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hello!"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     42,
				"completion_tokens": 7,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result := client.Complete(context.Background(), testRequest())
	if !result.OK() {
		t.Fatal(result.Err)
	}
	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 || result.OutputTokens != 7 {
		t.Errorf("unexpected usage in=%d out=%d", result.InputTokens, result.OutputTokens)
	}
}

func TestComplete_ContentVerbatimFirstChoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"  spaced reply\n"}},{"message":{"content":"second"}}]}`)
	}))
	defer server.Close()

	client := NewClient("k", server.URL, "m", 5*time.Second)
	result := client.Complete(context.Background(), testRequest())
	if !result.OK() {
		t.Fatal(result.Err)
	}
	if result.Content != "  spaced reply\n" {
		t.Fatalf("expected verbatim first choice, got %q", result.Content)
	}
}

func TestComplete_EmptyContentIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":""}}]}`)
	}))
	defer server.Close()

	client := NewClient("k", server.URL, "m", 5*time.Second)
	result := client.Complete(context.Background(), testRequest())
	if !result.OK() {
		t.Fatalf("expected success for empty content, got %v", result.Err)
	}
	if result.Content != "" {
		t.Fatalf("expected empty content, got %q", result.Content)
	}
}

func TestComplete_Malformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty_choices", `{"choices":[]}`},
		{"absent_choices", `{}`},
		{"missing_message", `{"choices":[{"index":0}]}`},
		{"missing_content", `{"choices":[{"message":{"role":"assistant"}}]}`},
		{"not_json", `<html>bad gateway</html>`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, c.body)
			}))
			defer server.Close()

			client := NewClient("k", server.URL, "m", 5*time.Second)
			result := client.Complete(context.Background(), testRequest())
			if result.OK() {
				t.Fatal("expected malformed response failure")
			}
			if result.Err.Kind != model.KindMalformed {
				t.Fatalf("expected malformed kind, got %s", result.Err.Kind)
			}
			if result.Err.Kind.Class() != model.ClassMalformed {
				t.Fatalf("unexpected class %s", result.Err.Kind.Class())
			}
		})
	}
}

func TestComplete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	result := client.Complete(context.Background(), testRequest())
	if result.OK() {
		t.Fatal("expected error for 429 response")
	}
	if result.Err.Kind != model.KindStatus || result.Err.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected error: %+v", result.Err)
	}
	if !strings.Contains(result.Err.Body, "rate limited") {
		t.Fatalf("expected upstream body carried, got %q", result.Err.Body)
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient("k", server.URL, "m", 50*time.Millisecond)
	result := client.Complete(context.Background(), testRequest())
	if result.OK() {
		t.Fatal("expected timeout failure")
	}
	if result.Err.Kind != model.KindTimeout {
		t.Fatalf("expected timeout kind, got %s (%v)", result.Err.Kind, result.Err)
	}
}

func TestComplete_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client := NewClient("k", server.URL, "m", 0)
	result := client.Complete(ctx, testRequest())
	if result.OK() || result.Err.Kind != model.KindTimeout {
		t.Fatalf("expected timeout failure, got %+v", result.Err)
	}
}

func TestComplete_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient("k", url, "m", 5*time.Second)
	result := client.Complete(context.Background(), testRequest())
	if result.OK() {
		t.Fatal("expected transport failure")
	}
	if result.Err.Kind != model.KindTransport {
		t.Fatalf("expected transport kind, got %s", result.Err.Kind)
	}
}

func TestBuildMessages_EmptyHistory(t *testing.T) {
	msgs := BuildMessages("sys", nil)
	if len(msgs) != 1 || msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
