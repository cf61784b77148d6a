package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/internal/tools"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// DefaultMaxToolRounds bounds the model ↔ tool loop.
const DefaultMaxToolRounds = 10

// Executor drives a single prompt through the model service.
//
// Loop protocol: every tool call present in one response round is executed,
// and ALL results go back to the model in a single follow-up request before
// the next response is read. Sending tool responses one at a time to a
// multi-tool-call turn is incorrect protocol usage.
type Executor struct {
	client   ModelClient
	registry *tools.Registry

	maxRounds   int
	callTimeout time.Duration // per model call; 0 = rely on ctx
}

// NewExecutor creates an executor over the given client and tool registry.
func NewExecutor(client ModelClient, registry *tools.Registry, maxRounds int, callTimeout time.Duration) *Executor {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &Executor{
		client:      client,
		registry:    registry,
		maxRounds:   maxRounds,
		callTimeout: callTimeout,
	}
}

// Result carries the accumulated output of one execution.
type Result struct {
	Content string
	Usage   models.TokenUsage
	Rounds  int
}

// Execute sends the prompt and loops on tool calls until the model produces
// terminal text.
//
// Plain-text fragments are accumulated across rounds in arrival order; an
// empty accumulated result fails with *NoContentError. Exhausting the round
// budget fails with *ToolRoundsExceededError.
func (e *Executor) Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*Result, error) {
	messages := []models.ChatMessage{
		{Role: "user", Content: prompt},
	}

	var fragments []string
	var totalUsage models.TokenUsage
	res := &Result{}

	for round := 1; round <= e.maxRounds; round++ {
		res.Rounds = round

		resp, err := e.complete(ctx, cfg, messages)
		if err != nil {
			return nil, err
		}

		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens
		totalUsage.TotalTokens += resp.Usage.TotalTokens

		if resp.Content != "" {
			fragments = append(fragments, resp.Content)
		}

		if len(resp.ToolCalls) == 0 || resp.FinishReason == "stop" {
			res.Content = strings.Join(fragments, "")
			res.Usage = totalUsage
			if res.Content == "" {
				return nil, &NoContentError{Model: cfg.Model, Rounds: round}
			}
			return res, nil
		}

		// Execute every tool call of this round, then feed all results back
		// in one follow-up request.
		results := e.executeToolCalls(ctx, resp.ToolCalls)

		messages = append(messages, models.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tr := range results {
			messages = append(messages, models.ChatMessage{
				Role:       "tool",
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}

		log.Debug().
			Str("model", cfg.Model).
			Int("round", round).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("Tool round complete")
	}

	return nil, &ToolRoundsExceededError{Model: cfg.Model, MaxRounds: e.maxRounds}
}

// complete runs one model call under the per-call timeout.
func (e *Executor) complete(ctx context.Context, cfg models.ModelConfig, messages []models.ChatMessage) (*ModelResponse, error) {
	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	resp, err := e.client.Complete(callCtx, cfg, messages)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Model: cfg.Model, Timeout: e.callTimeout}
		}
		return nil, fmt.Errorf("model call: %w", err)
	}
	return resp, nil
}

// executeToolCalls runs each requested tool against the registry.
// An unrecognized tool name is logged and dropped: the model receives no
// result message for that call, and execution continues.
func (e *Executor) executeToolCalls(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, tc := range calls {
		tool, ok := e.registry.Lookup(tc.Name)
		if !ok {
			log.Warn().Str("tool", tc.Name).Str("call_id", tc.ID).Msg("Unknown tool requested, dropping")
			continue
		}

		content, err := tool.Invoke(ctx, tc.Arguments)
		if err != nil {
			log.Warn().Err(err).Str("tool", tc.Name).Msg("Tool invocation failed")
			results = append(results, models.ToolResult{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    "Error: " + err.Error(),
				IsError:    true,
			})
			continue
		}
		results = append(results, models.ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Content:    content,
		})
	}
	return results
}

// ── Errors ──────────────────────────────────────────────────

// NoContentError reports that the model produced no usable text after all
// tool rounds.
type NoContentError struct {
	Model  string
	Rounds int
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("model %s returned no content after %d round(s)", e.Model, e.Rounds)
}

// ToolRoundsExceededError reports that the tool loop ran out of rounds.
type ToolRoundsExceededError struct {
	Model     string
	MaxRounds int
}

func (e *ToolRoundsExceededError) Error() string {
	return fmt.Sprintf("model %s still requesting tools after %d rounds", e.Model, e.MaxRounds)
}

// TimeoutError reports a model call that exceeded the per-call timeout.
type TimeoutError struct {
	Model   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model %s call timed out after %s", e.Model, e.Timeout)
}
