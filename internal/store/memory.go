// In-memory Store implementation for tests and local development.
// Used for local development and tests when SQLite is not configured.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plansmith/plansmith/engine/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.GenerationJob   // key: request_id
	limits map[string]*models.RateLimitRecord // key: key + "\x00" + kind
	usage  []models.UsageRecord               // append-only

	now func() time.Time // overridable clock for window tests
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*models.GenerationJob),
		limits: make(map[string]*models.RateLimitRecord),
		now:    time.Now,
	}
}

// SetClock replaces the store's clock. Tests use this to age rate-limit
// windows without sleeping.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Job Store ───────────────────────────────────────────────

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := *job
	if j.Status == "" {
		j.Status = models.JobQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now().UTC()
	}
	m.jobs[j.RequestID] = &j

	job.Status = j.Status
	job.CreatedAt = j.CreatedAt
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, requestID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[requestID]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: requestID}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) TransitionJob(ctx context.Context, requestID string, status models.JobStatus, update models.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[requestID]
	if !ok {
		return &ErrNotFound{Entity: "job", Key: requestID}
	}
	if !validTransition(j.Status, status) {
		return &ErrInvalidTransition{RequestID: requestID, From: j.Status, To: status}
	}

	j.Status = status
	applyUpdate(j, update)
	if status.Terminal() {
		now := m.now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.GenerationJob
	for _, j := range m.jobs {
		if j.SessionID == sessionID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.GenerationJob
	for _, j := range m.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[requestID]; !ok {
		return &ErrNotFound{Entity: "job", Key: requestID}
	}
	delete(m.jobs, requestID)
	return nil
}

func applyUpdate(j *models.GenerationJob, u models.JobUpdate) {
	if u.ModelUsed != nil {
		j.ModelUsed = *u.ModelUsed
	}
	if u.ResultContent != nil {
		j.ResultContent = *u.ResultContent
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.ProcessingDurationMs != nil {
		j.ProcessingDurationMs = *u.ProcessingDurationMs
	}
}

// ── Rate Limit Store ────────────────────────────────────────

// CheckAndIncrement implements the atomic sliding-window check. The whole
// read-compare-write runs under the store mutex.
func (m *MemoryStore) CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	windowStart := now.Add(-window)
	k := key + "\x00" + string(kind)

	rec, ok := m.limits[k]
	if !ok || rec.WindowStart.Before(windowStart) {
		m.limits[k] = &models.RateLimitRecord{
			Key:          key,
			Kind:         kind,
			WindowStart:  now,
			RequestCount: 1,
		}
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}, nil
	}

	if rec.RequestCount+1 > limit {
		// The rejecting call is not counted.
		return Decision{Allowed: false, Remaining: 0, ResetAt: rec.WindowStart.Add(window)}, nil
	}

	rec.RequestCount++
	return Decision{Allowed: true, Remaining: limit - rec.RequestCount, ResetAt: rec.WindowStart.Add(window)}, nil
}

func (m *MemoryStore) PurgeExpiredRateLimits(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, rec := range m.limits {
		if rec.WindowStart.Before(cutoff) {
			delete(m.limits, k)
			n++
		}
	}
	return n, nil
}

// ── Usage Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateUsage(ctx context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	m.usage = append(m.usage, r)
	rec.CreatedAt = r.CreatedAt
	return nil
}

func (m *MemoryStore) ListUsageBySession(ctx context.Context, sessionID string, limit int) ([]models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.UsageRecord
	for i := len(m.usage) - 1; i >= 0; i-- {
		if m.usage[i].SessionID == sessionID {
			out = append(out, m.usage[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
