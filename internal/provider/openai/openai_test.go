package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

func completionRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		System:          "You are the music assistant.",
		Messages:        []domain.Message{{Role: "user", Content: "what song is this?"}},
		Model:           "gpt-4o",
		MaxOutputTokens: 256,
		Temperature:     0.7,
	}
}

func TestComplete(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "a jazz classic"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, srv.Client())

	completion, err := c.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("wire messages = %+v, want system message prepended", gotBody.Messages)
	}
	if completion.Text != "a jazz classic" {
		t.Errorf("text = %q", completion.Text)
	}
	if completion.Usage.InputTokens != 42 || completion.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", completion.Usage)
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"choices": [{"message": {"content": "queued", "tool_calls": [{"function": {"name": "queue_track"}}]}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1}
		}`))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, srv.Client())

	completion, err := c.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(completion.ToolsUsed) != 1 || completion.ToolsUsed[0] != "queue_track" {
		t.Errorf("tools = %v", completion.ToolsUsed)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, srv.Client())

	if _, err := c.Complete(context.Background(), completionRequest()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"a jazz "}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"classic"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":42,"completion_tokens":7}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, srv.Client())

	deltas, end := c.Stream(context.Background(), completionRequest())

	var text string
	for d := range deltas {
		text += d.Text
	}
	final := <-end

	if final.Err != nil {
		t.Fatalf("stream error: %v", final.Err)
	}
	if text != "a jazz classic" {
		t.Errorf("text = %q", text)
	}
	if final.Usage.InputTokens != 42 || final.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestStream_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, srv.Client())

	deltas, end := c.Stream(context.Background(), completionRequest())
	for range deltas {
	}
	final := <-end

	if final.Err == nil {
		t.Fatal("expected a stream error for a non-200 response")
	}
}
