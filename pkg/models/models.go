// Package models defines the shared data model for the Plansmith generation
// engine: jobs, rate-limit counters, usage ledger entries, and the prompt
// batch types the pipeline executes.
package models

import "time"

// ── Generation Jobs ─────────────────────────────────────────

// JobStatus is the lifecycle state of a generation job.
// Transitions are forward-only: queued → processing → completed|failed.
// A job that was rejected before any model call goes queued → failed.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether s is a terminal job state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// GenerationJob is the durable record of a single generation request.
type GenerationJob struct {
	RequestID            string     `json:"request_id"` // caller-generated, unique
	ActorID              string     `json:"actor_id"`   // user id or anonymous fingerprint hash
	SessionID            string     `json:"session_id"`
	Status               JobStatus  `json:"status"`
	ModelUsed            string     `json:"model_used,omitempty"`
	ResultContent        string     `json:"result_content,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ProcessingDurationMs int64      `json:"processing_duration_ms,omitempty"`
}

// JobUpdate carries the fields a status transition may set.
// Nil pointers leave the stored value untouched.
type JobUpdate struct {
	ModelUsed            *string
	ResultContent        *string
	ErrorMessage         *string
	ProcessingDurationMs *int64
}

// ── Rate Limiting ───────────────────────────────────────────

// ActorKind distinguishes authenticated users from anonymous visitors
// for rate-limit bookkeeping.
type ActorKind string

const (
	ActorAuthenticated ActorKind = "authenticated"
	ActorAnonymous     ActorKind = "anonymous"
)

// RateLimitRecord is one sliding-window counter.
// At most one record per (key, kind) is active inside any rolling window;
// a new window starts a fresh record once the prior one ages out.
type RateLimitRecord struct {
	Key          string    `json:"key"`
	Kind         ActorKind `json:"kind"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int       `json:"request_count"`
}

// ── Usage Ledger ────────────────────────────────────────────

// UsageRecord is an append-only cost ledger entry, written exactly once
// when a job completes successfully. Never mutated.
type UsageRecord struct {
	UserID             string    `json:"user_id"`
	SessionID          string    `json:"session_id"`
	RequestID          string    `json:"request_id"` // FK to GenerationJob
	InputTokens        int       `json:"input_tokens"`
	OutputTokens       int       `json:"output_tokens"`
	ModelUsed          string    `json:"model_used"`
	InputCostEstimate  float64   `json:"input_cost_estimate"`
	OutputCostEstimate float64   `json:"output_cost_estimate"`
	CreatedAt          time.Time `json:"created_at"`
}

// ── Pipeline Batches ────────────────────────────────────────

// PromptDescriptor is one node of a pipeline batch. DependsOn holds indices
// into the same batch and must reference strictly earlier positions.
type PromptDescriptor struct {
	Prompt             string `json:"prompt"`
	Label              string `json:"label"`
	DependsOn          []int  `json:"depends_on,omitempty"`
	GenerateNewPrompts bool   `json:"generate_new_prompts,omitempty"` // reserved for prompt chaining
}

// Section is one labeled piece of aggregated pipeline output,
// kept in submission order.
type Section struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRejected   RunStatus = "rejected" // admission (credit gate) refused the batch
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed" // every prompt reached a terminal state
	RunAborted    RunStatus = "aborted"   // batch-aborting failure (security verification)
)

// PromptOutcome describes the terminal state of one prompt within a run.
type PromptOutcome struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	RequestID string `json:"request_id,omitempty"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ── Model Invocation ────────────────────────────────────────

// ChatMessage is one turn of a model conversation, including the tool-call
// plumbing the OpenAI-compatible wire format uses.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages only
}

// ToolCall is a model-initiated request to invoke a named capability.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// ToolResult is the outcome of executing one tool call, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ModelConfig selects and tunes the model for a single generation.
type ModelConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// TokenUsage is the token accounting returned by a model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
