// Package store provides the storage interface and implementations for the
// generation engine. Three collections are persisted: jobs (generation job
// lifecycle), rate_limits (sliding-window counters), and usage_tracking
// (append-only cost ledger), related by request id.
package store

import (
	"context"
	"time"

	"github.com/plansmith/plansmith/engine/pkg/models"
)

// Store is the primary storage interface for the engine.
// The pipeline depends on this interface, making it easy to swap between
// in-memory (tests, local dev) and SQLite (production) implementations.
type Store interface {
	JobStore
	RateLimitStore
	UsageStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the storage schema.
	Migrate(ctx context.Context) error
}

// ── Job Store ───────────────────────────────────────────────

// JobStore persists generation job lifecycle records.
type JobStore interface {
	// CreateJob inserts a new job with status queued.
	CreateJob(ctx context.Context, job *models.GenerationJob) error

	// GetJob returns a job by request id.
	GetJob(ctx context.Context, requestID string) (*models.GenerationJob, error)

	// TransitionJob moves a job to the given status and applies the update.
	// Status is forward-only: queued → processing → completed|failed, plus
	// the direct queued → failed edge for pre-model rejections. Any move out
	// of a terminal state fails with *ErrInvalidTransition.
	TransitionJob(ctx context.Context, requestID string, status models.JobStatus, update models.JobUpdate) error

	// ListJobsBySession returns jobs for a session, newest first.
	ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]models.GenerationJob, error)

	// ListTerminalJobsBefore returns completed or failed jobs created before
	// the cutoff, oldest first. The retention janitor uses it to find
	// archive candidates; in-flight jobs are never returned.
	ListTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.GenerationJob, error)

	// DeleteJob removes a job record permanently.
	DeleteJob(ctx context.Context, requestID string) error
}

// ── Rate Limit Store ────────────────────────────────────────

// Decision is the outcome of one rate-limit admission check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitStore holds sliding-window counters keyed by (key, kind).
//
// CheckAndIncrement must be atomic per key: the read-then-conditionally-write
// sequence may never run as two separate round-trips, or two concurrent
// requests from the same actor could both pass under the limit.
type RateLimitStore interface {
	// CheckAndIncrement looks up the active record for (key, kind) inside the
	// rolling window ending now. No record → insert one with count 1 and
	// allow. Record at the limit → deny WITHOUT persisting the increment,
	// remaining 0, reset at windowStart+window. Otherwise increment and allow.
	CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (Decision, error)

	// PurgeExpiredRateLimits deletes counters whose window started before the
	// cutoff and returns how many were removed. Housekeeping only; admission
	// correctness never depends on it.
	PurgeExpiredRateLimits(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Usage Store ─────────────────────────────────────────────

// UsageStore persists the append-only cost ledger.
type UsageStore interface {
	CreateUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsageBySession(ctx context.Context, sessionID string, limit int) ([]models.UsageRecord, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrInvalidTransition is returned when a job transition would regress or
// leave a terminal state. This is a programming error at the call site, not
// a storage failure, and is never silently absorbed.
type ErrInvalidTransition struct {
	RequestID string
	From      models.JobStatus
	To        models.JobStatus
}

func (e *ErrInvalidTransition) Error() string {
	return "invalid job transition " + string(e.From) + " → " + string(e.To) + " for " + e.RequestID
}

// validTransition reports whether a job may move from → to.
func validTransition(from, to models.JobStatus) bool {
	switch from {
	case models.JobQueued:
		// queued → failed covers rate-limit and verification rejections
		// that never reach the model.
		return to == models.JobProcessing || to == models.JobFailed
	case models.JobProcessing:
		return to == models.JobCompleted || to == models.JobFailed
	default:
		return false
	}
}
