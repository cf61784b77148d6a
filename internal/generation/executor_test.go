package generation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/plansmith/plansmith/engine/internal/generation"
	"github.com/plansmith/plansmith/engine/internal/tools"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// scriptClient replays a fixed sequence of responses and records every
// request it receives.
type scriptClient struct {
	responses []*generation.ModelResponse
	err       error
	requests  [][]models.ChatMessage
	calls     int
}

func (c *scriptClient) Complete(ctx context.Context, cfg models.ModelConfig, messages []models.ChatMessage) (*generation.ModelResponse, error) {
	snapshot := make([]models.ChatMessage, len(messages))
	copy(snapshot, messages)
	c.requests = append(c.requests, snapshot)
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if c.calls > len(c.responses) {
		return &generation.ModelResponse{Content: "fallback", FinishReason: "stop"}, nil
	}
	return c.responses[c.calls-1], nil
}

// spyTool records invocations and returns a canned result.
type spyTool struct {
	name    string
	result  string
	err     error
	invoked []string // arguments per invocation
}

func (s *spyTool) Name() string        { return s.name }
func (s *spyTool) Description() string { return "test tool" }

func (s *spyTool) Invoke(ctx context.Context, argsJSON string) (string, error) {
	s.invoked = append(s.invoked, argsJSON)
	return s.result, s.err
}

func testConfig() models.ModelConfig {
	return models.ModelConfig{Model: "gpt-4o-mini", MaxTokens: 1024}
}

func TestExecute_PlainText(t *testing.T) {
	client := &scriptClient{responses: []*generation.ModelResponse{
		{Content: "hello world", FinishReason: "stop", Usage: models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(), 10, 0)

	res, err := e.Execute(context.Background(), "say hello", testConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "hello world" {
		t.Errorf("Content = %q, want %q", res.Content, "hello world")
	}
	if res.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", res.Rounds)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", res.Usage.TotalTokens)
	}
	if client.calls != 1 {
		t.Errorf("Model calls = %d, want 1", client.calls)
	}
}

func TestExecute_BatchedToolResults(t *testing.T) {
	search := &spyTool{name: "web_search", result: "search results"}
	calc := &spyTool{name: "calculator", result: "42"}

	client := &scriptClient{responses: []*generation.ModelResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "web_search", Arguments: `{"query":"golf trends"}`},
				{ID: "call_2", Name: "calculator", Arguments: `{"expr":"6*7"}`},
			},
		},
		{Content: "final answer", FinishReason: "stop"},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(search, calc), 10, 0)

	res, err := e.Execute(context.Background(), "research this", testConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "final answer" {
		t.Errorf("Content = %q, want %q", res.Content, "final answer")
	}
	if len(search.invoked) != 1 || len(calc.invoked) != 1 {
		t.Fatalf("Tool invocations = %d/%d, want 1/1", len(search.invoked), len(calc.invoked))
	}

	// Both tool results must arrive in the SAME follow-up request: one
	// assistant turn carrying the calls, then one tool message per call.
	if client.calls != 2 {
		t.Fatalf("Model calls = %d, want 2", client.calls)
	}
	followUp := client.requests[1]
	if len(followUp) != 4 { // user, assistant, tool, tool
		t.Fatalf("Follow-up request has %d messages, want 4", len(followUp))
	}
	if followUp[1].Role != "assistant" || len(followUp[1].ToolCalls) != 2 {
		t.Errorf("Message 1 = role %q with %d tool calls, want assistant with 2", followUp[1].Role, len(followUp[1].ToolCalls))
	}
	if followUp[2].Role != "tool" || followUp[2].ToolCallID != "call_1" {
		t.Errorf("Message 2 = role %q id %q, want tool call_1", followUp[2].Role, followUp[2].ToolCallID)
	}
	if followUp[3].Role != "tool" || followUp[3].ToolCallID != "call_2" {
		t.Errorf("Message 3 = role %q id %q, want tool call_2", followUp[3].Role, followUp[3].ToolCallID)
	}
	if followUp[2].Content != "search results" {
		t.Errorf("Tool result content = %q, want %q", followUp[2].Content, "search results")
	}
}

func TestExecute_AccumulatesFragmentsAcrossRounds(t *testing.T) {
	tool := &spyTool{name: "web_search", result: "data"}
	client := &scriptClient{responses: []*generation.ModelResponse{
		{
			Content:      "Thinking... ",
			FinishReason: "tool_calls",
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}},
		},
		{Content: "done.", FinishReason: "stop"},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(tool), 10, 0)

	res, err := e.Execute(context.Background(), "go", testConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Content != "Thinking... done." {
		t.Errorf("Content = %q, want fragments joined in order", res.Content)
	}
	if res.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", res.Rounds)
	}
}

func TestExecute_UnknownToolDropped(t *testing.T) {
	known := &spyTool{name: "web_search", result: "found"}
	client := &scriptClient{responses: []*generation.ModelResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "no_such_tool", Arguments: "{}"},
				{ID: "c2", Name: "web_search", Arguments: "{}"},
			},
		},
		{Content: "ok", FinishReason: "stop"},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(known), 10, 0)

	res, err := e.Execute(context.Background(), "go", testConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v, unknown tool must not be fatal", err)
	}
	if res.Content != "ok" {
		t.Errorf("Content = %q, want %q", res.Content, "ok")
	}

	// The dropped call produces no tool message at all.
	followUp := client.requests[1]
	if len(followUp) != 3 { // user, assistant, tool (known only)
		t.Fatalf("Follow-up request has %d messages, want 3", len(followUp))
	}
	if followUp[2].ToolCallID != "c2" {
		t.Errorf("Surviving tool message id = %q, want c2", followUp[2].ToolCallID)
	}
}

func TestExecute_ToolErrorFedBack(t *testing.T) {
	failing := &spyTool{name: "web_search", err: errors.New("upstream 502")}
	client := &scriptClient{responses: []*generation.ModelResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []models.ToolCall{{ID: "c1", Name: "web_search", Arguments: "{}"}},
		},
		{Content: "worked around it", FinishReason: "stop"},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(failing), 10, 0)

	res, err := e.Execute(context.Background(), "go", testConfig())
	if err != nil {
		t.Fatalf("Execute() error = %v, tool failure must not be fatal", err)
	}
	if res.Content != "worked around it" {
		t.Errorf("Content = %q", res.Content)
	}

	followUp := client.requests[1]
	if got := followUp[2].Content; !strings.Contains(got, "upstream 502") {
		t.Errorf("Error tool message = %q, want error text fed back", got)
	}
}

func TestExecute_NoContent(t *testing.T) {
	client := &scriptClient{responses: []*generation.ModelResponse{
		{Content: "", FinishReason: "stop"},
	}}
	e := generation.NewExecutor(client, tools.NewRegistry(), 10, 0)

	_, err := e.Execute(context.Background(), "go", testConfig())
	var ncErr *generation.NoContentError
	if !errors.As(err, &ncErr) {
		t.Fatalf("Execute() error = %v, want *NoContentError", err)
	}
	if ncErr.Rounds != 1 {
		t.Errorf("NoContentError.Rounds = %d, want 1", ncErr.Rounds)
	}
}

func TestExecute_ToolRoundsExceeded(t *testing.T) {
	tool := &spyTool{name: "web_search", result: "more"}
	loop := &generation.ModelResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []models.ToolCall{{ID: "c", Name: "web_search", Arguments: "{}"}},
	}
	client := &scriptClient{responses: []*generation.ModelResponse{loop, loop, loop}}
	e := generation.NewExecutor(client, tools.NewRegistry(tool), 3, 0)

	_, err := e.Execute(context.Background(), "go", testConfig())
	var roundsErr *generation.ToolRoundsExceededError
	if !errors.As(err, &roundsErr) {
		t.Fatalf("Execute() error = %v, want *ToolRoundsExceededError", err)
	}
	if roundsErr.MaxRounds != 3 {
		t.Errorf("MaxRounds = %d, want 3", roundsErr.MaxRounds)
	}
	if client.calls != 3 {
		t.Errorf("Model calls = %d, want exactly 3", client.calls)
	}
}

// blockingClient never returns until its context is done.
type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, cfg models.ModelConfig, messages []models.ChatMessage) (*generation.ModelResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecute_CallTimeout(t *testing.T) {
	e := generation.NewExecutor(blockingClient{}, tools.NewRegistry(), 10, 20*time.Millisecond)

	_, err := e.Execute(context.Background(), "go", testConfig())
	var toErr *generation.TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("Execute() error = %v, want *TimeoutError", err)
	}
	if toErr.Timeout != 20*time.Millisecond {
		t.Errorf("TimeoutError.Timeout = %s, want 20ms", toErr.Timeout)
	}
}

func TestExecute_ClientErrorWrapped(t *testing.T) {
	client := &scriptClient{err: errors.New("status 500")}
	e := generation.NewExecutor(client, tools.NewRegistry(), 10, 0)

	_, err := e.Execute(context.Background(), "go", testConfig())
	if err == nil || !strings.Contains(err.Error(), "model call") {
		t.Fatalf("Execute() error = %v, want wrapped model call error", err)
	}
}
