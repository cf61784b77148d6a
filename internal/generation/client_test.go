package generation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plansmith/plansmith/engine/internal/generation"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

func TestOpenAIClient_Complete(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{
				"message": {
					"content": "partial",
					"tool_calls": [{
						"id": "call_abc",
						"function": {"name": "web_search", "arguments": "{\"query\":\"q\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`))
	}))
	defer srv.Close()

	c := generation.NewOpenAIClient(srv.URL, "sk-test", 0)
	resp, err := c.Complete(context.Background(), models.ModelConfig{Model: "gpt-4o-mini", MaxTokens: 256},
		[]models.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("Request path = %q, want /chat/completions", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("Request model = %v, want gpt-4o-mini", gotBody["model"])
	}

	if resp.Content != "partial" {
		t.Errorf("Content = %q, want %q", resp.Content, "partial")
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "web_search" {
		t.Errorf("ToolCall = %+v, want id call_abc name web_search", tc)
	}
	if resp.Usage.TotalTokens != 19 {
		t.Errorf("Usage.TotalTokens = %d, want 19", resp.Usage.TotalTokens)
	}
}

func TestOpenAIClient_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := generation.NewOpenAIClient(srv.URL, "", 0)
	_, err := c.Complete(context.Background(), models.ModelConfig{Model: "m"}, nil)
	if err == nil {
		t.Fatal("Complete() with 503 = nil, want error")
	}
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	c := generation.NewOpenAIClient(srv.URL, "", 0)
	_, err := c.Complete(context.Background(), models.ModelConfig{Model: "m"}, nil)
	if err == nil {
		t.Fatal("Complete() with empty choices = nil, want error")
	}
}
