// Package pipeline implements the generation pipeline orchestrator.
//
// A batch of prompt descriptors with inter-prompt dependencies is admitted
// against the credit gate, then each prompt is driven through the generation
// executor in dependency order:
//
//  1. Validate the dependency graph (earlier-index references only)
//  2. Check the credit gate once for the whole batch
//  3. Per prompt: create job → rate-limit check → execute → record usage
//  4. Skip prompts whose dependencies failed; isolate unrelated failures
//  5. Aggregate labeled sections and report progress between prompts
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plansmith/plansmith/engine/internal/billing"
	"github.com/plansmith/plansmith/engine/internal/generation"
	"github.com/plansmith/plansmith/engine/internal/ratelimit"
	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// Error kinds recorded on prompt outcomes so the UI can distinguish
// "we didn't even try" from "we tried and failed".
const (
	KindRateLimit   = "rate_limit"
	KindGeneration  = "generation"
	KindDependency  = "dependency"
	KindSecurity    = "security"
	KindPersistence = "persistence"
	KindTimeout     = "timeout"
	KindToolRounds  = "tool_rounds"
	KindCanceled    = "canceled"
)

// PromptExecutor is the orchestrator's view of the generation executor.
type PromptExecutor interface {
	Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*generation.Result, error)
}

// UsageRecorder is the orchestrator's view of the usage accountant.
type UsageRecorder interface {
	Record(ctx context.Context, job *models.GenerationJob, promptText, resultText string) (*models.UsageRecord, error)
}

// PromptVerifier screens prompt text before admission. A non-nil error must
// be (or wrap) a *ratelimit.SecurityError.
type PromptVerifier interface {
	Verify(ctx context.Context, prompt string) error
}

// DefaultRunRetention is how long a terminal run stays pollable before its
// handle is dropped from the registry. Job records remain in the store.
const DefaultRunRetention = 5 * time.Minute

// Config tunes the orchestrator.
type Config struct {
	Model         models.ModelConfig
	PromptTimeout time.Duration  // per prompt, end to end; 0 = none
	Verifier      PromptVerifier // optional prompt screening
	RunRetention  time.Duration  // terminal run pollable window; 0 = default
}

// Orchestrator runs prompt batches.
type Orchestrator struct {
	store      store.Store
	limiter    *ratelimit.Limiter
	executor   PromptExecutor
	accountant UsageRecorder
	gate       billing.CreditGate
	cfg        Config
	tracer     trace.Tracer

	runsMu sync.RWMutex
	runs   map[string]*Run
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(s store.Store, limiter *ratelimit.Limiter, exec PromptExecutor, acct UsageRecorder, gate billing.CreditGate, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      s,
		limiter:    limiter,
		executor:   exec,
		accountant: acct,
		gate:       gate,
		cfg:        cfg,
		tracer:     otel.Tracer("pipeline"),
		runs:       make(map[string]*Run),
	}
}

// Submit validates the batch and starts an async run.
// The returned handle reports progress incrementally while prompts execute.
func (o *Orchestrator) Submit(ctx context.Context, descriptors []models.PromptDescriptor, actor ratelimit.Actor) (*Run, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("empty prompt batch")
	}
	if err := ValidateBatch(descriptors); err != nil {
		return nil, err
	}

	run := &Run{
		ID:          uuid.New().String(),
		actor:       actor,
		descriptors: descriptors,
		status:      models.RunNotStarted,
		done:        make(chan struct{}),
		cancelCh:    make(chan struct{}),
	}
	run.hasCredits.Store(true)

	o.runsMu.Lock()
	o.runs[run.ID] = run
	o.runsMu.Unlock()

	log.Info().
		Str("run_id", run.ID).
		Int("prompts", len(descriptors)).
		Str("session", actor.SessionID).
		Msg("Pipeline run submitted")

	go o.execute(run)
	return run, nil
}

// GetRun returns a run handle by id.
func (o *Orchestrator) GetRun(runID string) (*Run, bool) {
	o.runsMu.RLock()
	run, ok := o.runs[runID]
	o.runsMu.RUnlock()
	return run, ok
}

// CancelRun stops a run from issuing new prompts. The prompt currently
// executing is allowed to finish so its job reaches a terminal state.
func (o *Orchestrator) CancelRun(runID string) bool {
	run, ok := o.GetRun(runID)
	if !ok {
		return false
	}
	run.cancelOnce.Do(func() { close(run.cancelCh) })
	return true
}

// evictAfter drops a terminal run's handle once the retention window passes.
func (o *Orchestrator) evictAfter(runID string) {
	ttl := o.cfg.RunRetention
	if ttl <= 0 {
		ttl = DefaultRunRetention
	}
	time.AfterFunc(ttl, func() {
		o.runsMu.Lock()
		delete(o.runs, runID)
		o.runsMu.Unlock()
	})
}

// ValidateBatch rejects batches whose dependencies reference a later or
// equal index. The graph must be a DAG and with this rule it always is.
func ValidateBatch(descriptors []models.PromptDescriptor) error {
	for i, d := range descriptors {
		for _, dep := range d.DependsOn {
			if dep < 0 || dep >= i {
				return &BatchError{Index: i, Dep: dep}
			}
		}
	}
	return nil
}

// ── Execution ───────────────────────────────────────────────

func (o *Orchestrator) execute(run *Run) {
	// Terminal runs are evicted after a grace period so callers can still
	// poll for the combined output; the registry never grows unbounded.
	defer o.evictAfter(run.ID)
	defer close(run.done)

	ctx, span := o.tracer.Start(context.Background(), "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int("run.prompts", len(run.descriptors)),
		))
	defer span.End()

	// Single credit-gate check for the whole batch. Insufficient credits is
	// the only observable outcome of a rejected run: no job records exist.
	sufficient, err := o.gate.HasCredits(ctx, run.actor.Key())
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Credit gate failure, denying run")
		run.finish(models.RunAborted, &ratelimit.PersistenceError{Op: "credit gate", Err: err})
		return
	}
	if !sufficient {
		log.Info().Str("run_id", run.ID).Msg("Insufficient credits, run rejected")
		run.setHasCredits(false)
		run.finish(models.RunRejected, nil)
		return
	}

	run.setStatus(models.RunRunning)

	succeeded := make(map[int]bool)
	failed := make(map[int]bool)
	canceled := false

	for i, desc := range run.descriptors {
		if !canceled {
			select {
			case <-run.cancelCh:
				canceled = true
				log.Info().Str("run_id", run.ID).Int("at_prompt", i).Msg("Run canceled, skipping remaining prompts")
			default:
			}
		}
		if canceled {
			failed[i] = true
			run.recordOutcome(models.PromptOutcome{
				Index: i, Label: desc.Label,
				Error: "run canceled", ErrorKind: KindCanceled,
			})
			continue
		}

		outcome, abortErr := o.executePrompt(ctx, run, i, desc, succeeded)
		if outcome.Succeeded {
			succeeded[i] = true
		} else {
			failed[i] = true
		}
		run.recordOutcome(outcome)

		if abortErr != nil {
			// Security/verification failures on the first prompt abort the
			// whole run; remaining prompts are recorded so progress completes.
			for j := i + 1; j < len(run.descriptors); j++ {
				failed[j] = true
				run.recordOutcome(models.PromptOutcome{
					Index: j, Label: run.descriptors[j].Label,
					Error: "run aborted", ErrorKind: KindSecurity,
				})
			}
			run.finish(models.RunAborted, abortErr)
			return
		}
	}

	run.finish(models.RunCompleted, nil)

	log.Info().
		Str("run_id", run.ID).
		Int("succeeded", len(succeeded)).
		Int("failed", len(failed)).
		Msg("Pipeline run completed")
}

// executePrompt drives one prompt to a terminal state. abortErr is non-nil
// only for batch-aborting failures (security verification on the first
// prompt); the error is surfaced unchanged on the run handle.
func (o *Orchestrator) executePrompt(ctx context.Context, run *Run, idx int, desc models.PromptDescriptor, succeeded map[int]bool) (models.PromptOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.prompt",
		trace.WithAttributes(attribute.Int("prompt.index", idx), attribute.String("prompt.label", desc.Label)))
	defer span.End()

	outcome := models.PromptOutcome{Index: idx, Label: desc.Label}

	// The job record exists before any admission check.
	job := &models.GenerationJob{
		RequestID: uuid.New().String(),
		ActorID:   run.actor.Key(),
		SessionID: run.actor.SessionID,
		Status:    models.JobQueued,
		ModelUsed: o.cfg.Model.Model,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		log.Error().Err(err).Int("prompt", idx).Msg("Job creation failed")
		outcome.Error = err.Error()
		outcome.ErrorKind = KindPersistence
		return outcome, nil
	}
	outcome.RequestID = job.RequestID

	// Dependency gating: if any prerequisite failed, this prompt is never
	// executed. Prompts with no unmet dependency proceed even when unrelated
	// earlier prompts failed.
	for _, dep := range desc.DependsOn {
		if !succeeded[dep] {
			depErr := &DependencyError{Index: idx, FailedDep: dep}
			o.failJob(ctx, job.RequestID, depErr.Error(), 0)
			outcome.Error = depErr.Error()
			outcome.ErrorKind = KindDependency
			return outcome, nil
		}
	}

	// Prompt screening runs before the quota check so a blocked prompt never
	// consumes rate-limit budget.
	if o.cfg.Verifier != nil {
		if err := o.cfg.Verifier.Verify(ctx, desc.Prompt); err != nil {
			o.failJob(ctx, job.RequestID, err.Error(), 0)
			outcome.Error = err.Error()
			outcome.ErrorKind = KindSecurity
			log.Warn().Str("request_id", job.RequestID).Int("prompt", idx).Msg("Prompt failed security screening")
			if idx == 0 {
				return outcome, err
			}
			return outcome, nil
		}
	}

	// Exactly one admission check per prompt.
	if _, err := o.limiter.Check(ctx, run.actor); err != nil {
		o.failJob(ctx, job.RequestID, err.Error(), 0)
		outcome.Error = err.Error()

		var secErr *ratelimit.SecurityError
		var limitErr *ratelimit.LimitError
		switch {
		case errors.As(err, &secErr):
			outcome.ErrorKind = KindSecurity
			// Only a first-prompt verification failure aborts the batch.
			if idx == 0 {
				return outcome, err
			}
			return outcome, nil
		case errors.As(err, &limitErr):
			outcome.ErrorKind = KindRateLimit
		default:
			outcome.ErrorKind = KindPersistence
		}
		return outcome, nil
	}

	if err := o.store.TransitionJob(ctx, job.RequestID, models.JobProcessing, models.JobUpdate{}); err != nil {
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("Transition to processing failed")
		o.failJob(ctx, job.RequestID, err.Error(), 0)
		outcome.Error = err.Error()
		outcome.ErrorKind = KindPersistence
		return outcome, nil
	}

	start := time.Now()

	// The prompt context is independent of run cancellation: an in-flight
	// prompt always finishes so its job never sticks in processing.
	promptCtx := context.Background()
	if o.cfg.PromptTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(promptCtx, o.cfg.PromptTimeout)
		defer cancel()
	}
	promptCtx = trace.ContextWithSpan(promptCtx, span)

	result, err := o.executor.Execute(promptCtx, desc.Prompt, o.cfg.Model)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		o.failJob(ctx, job.RequestID, err.Error(), elapsed)
		outcome.Error = err.Error()
		outcome.ErrorKind = classifyGenerationError(err)

		log.Warn().
			Err(err).
			Str("request_id", job.RequestID).
			Int("prompt", idx).
			Msg("Prompt generation failed")
		return outcome, nil
	}

	if err := o.store.TransitionJob(ctx, job.RequestID, models.JobCompleted, models.JobUpdate{
		ResultContent:        &result.Content,
		ProcessingDurationMs: &elapsed,
	}); err != nil {
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("Transition to completed failed")
		outcome.Error = err.Error()
		outcome.ErrorKind = KindPersistence
		return outcome, nil
	}

	// Success path only. A usage write failure is logged, not fatal: the
	// job already completed and the result is usable.
	if _, err := o.accountant.Record(ctx, job, desc.Prompt, result.Content); err != nil {
		log.Error().Err(err).Str("request_id", job.RequestID).Msg("Usage record failed")
	}

	run.appendSection(models.Section{Label: desc.Label, Content: result.Content})
	outcome.Succeeded = true

	log.Info().
		Str("request_id", job.RequestID).
		Int("prompt", idx).
		Int64("duration_ms", elapsed).
		Int("rounds", result.Rounds).
		Msg("Prompt completed")
	return outcome, nil
}

// failJob transitions a job to failed, recording the message and elapsed
// time. Jobs are never left in processing.
func (o *Orchestrator) failJob(ctx context.Context, requestID, msg string, elapsedMs int64) {
	update := models.JobUpdate{ErrorMessage: &msg}
	if elapsedMs > 0 {
		update.ProcessingDurationMs = &elapsedMs
	}
	if err := o.store.TransitionJob(ctx, requestID, models.JobFailed, update); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Transition to failed failed")
	}
}

func classifyGenerationError(err error) string {
	var timeoutErr *generation.TimeoutError
	var roundsErr *generation.ToolRoundsExceededError
	switch {
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &roundsErr):
		return KindToolRounds
	default:
		return KindGeneration
	}
}

// ── Run handle ──────────────────────────────────────────────

// Run is the handle for one batch execution. Progress fields are plain
// state: executed/total with no presentation coupling.
type Run struct {
	ID string

	actor       ratelimit.Actor
	descriptors []models.PromptDescriptor

	executed   atomic.Int32
	hasCredits atomic.Bool

	mu       sync.Mutex
	status   models.RunStatus
	sections []models.Section
	outcomes []models.PromptOutcome
	err      error

	done       chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// ExecutedCount returns how many prompts have reached a terminal state.
func (r *Run) ExecutedCount() int { return int(r.executed.Load()) }

// TotalCount returns the batch size.
func (r *Run) TotalCount() int { return len(r.descriptors) }

// HasCredits reports whether the credit gate admitted the batch.
func (r *Run) HasCredits() bool { return r.hasCredits.Load() }

// Status returns the run lifecycle state.
func (r *Run) Status() models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the batch-aborting error, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StructuredOutput returns the successful sections in submission order.
func (r *Run) StructuredOutput() []models.Section {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Section, len(r.sections))
	copy(out, r.sections)
	return out
}

// Outcomes returns the per-prompt terminal states recorded so far.
func (r *Run) Outcomes() []models.PromptOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.PromptOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// CombinedOutputWithMarkers returns the durable, re-parseable view.
func (r *Run) CombinedOutputWithMarkers() string {
	return RenderSections(r.StructuredOutput())
}

// CombinedOutputLegacy returns the flat display view.
func (r *Run) CombinedOutputLegacy() string {
	return RenderLegacy(r.StructuredOutput())
}

// Done is closed once the run is terminal.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is terminal or the context is canceled.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) setStatus(s models.RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Run) setHasCredits(v bool) { r.hasCredits.Store(v) }

func (r *Run) appendSection(s models.Section) {
	r.mu.Lock()
	r.sections = append(r.sections, s)
	r.mu.Unlock()
}

// recordOutcome registers a prompt's terminal state and advances progress.
func (r *Run) recordOutcome(o models.PromptOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	r.executed.Add(1)
}

func (r *Run) finish(status models.RunStatus, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
}

// ── Errors ──────────────────────────────────────────────────

// BatchError reports an invalid dependency reference at batch construction.
type BatchError struct {
	Index int
	Dep   int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("prompt %d depends on index %d: dependencies must reference earlier prompts only", e.Index, e.Dep)
}

// DependencyError reports a prompt skipped because a prerequisite failed.
type DependencyError struct {
	Index     int
	FailedDep int
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("prompt %d skipped: dependency %d did not complete", e.Index, e.FailedDep)
}
