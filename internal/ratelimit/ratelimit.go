// Package ratelimit implements the quota ledger: sliding-window admission
// control keyed by actor identity.
//
// Authenticated actors are keyed by their stable user id. Anonymous actors
// are keyed by a one-way hash of ip + user agent + client fingerprint, so no
// raw PII is ever persisted and distinct anonymous sources are only conflated
// if all three components collide.
//
// The ledger fails closed: a storage error denies the request.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// Actor is the identity a request is attributed to.
type Actor struct {
	UserID      string // empty for anonymous visitors
	SessionID   string
	IP          string
	UserAgent   string
	Fingerprint string // client-supplied fingerprint header
}

// Kind returns the rate-limit bucket the actor falls into.
func (a Actor) Kind() models.ActorKind {
	if a.UserID != "" {
		return models.ActorAuthenticated
	}
	return models.ActorAnonymous
}

// Key returns the stable rate-limit key for the actor.
func (a Actor) Key() string {
	if a.UserID != "" {
		return a.UserID
	}
	sum := sha256.Sum256([]byte(a.IP + "|" + a.UserAgent + "|" + a.Fingerprint))
	return hex.EncodeToString(sum[:])
}

// Config holds the per-kind admission limits.
type Config struct {
	AuthenticatedLimit int
	AnonymousLimit     int
	Window             time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		AuthenticatedLimit: 30,
		AnonymousLimit:     5,
		Window:             time.Hour,
	}
}

// Ledger is the atomic check-and-increment primitive the limiter runs on.
// store.Store and the Redis ledger both satisfy it.
type Ledger interface {
	CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (store.Decision, error)
}

// Limiter performs admission checks against a ledger.
type Limiter struct {
	ledger Ledger
	cfg    Config
}

// NewLimiter creates a limiter over the given ledger.
func NewLimiter(ledger Ledger, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{ledger: ledger, cfg: cfg}
}

// Check performs exactly one admission check for the actor.
//
// A denied check returns a *LimitError carrying the window reset time. A
// ledger failure returns a *PersistenceError: the caller must treat it as a
// denial, never as an allow.
func (l *Limiter) Check(ctx context.Context, actor Actor) (store.Decision, error) {
	kind := actor.Kind()
	limit := l.cfg.AnonymousLimit
	if kind == models.ActorAuthenticated {
		limit = l.cfg.AuthenticatedLimit
	}

	dec, err := l.ledger.CheckAndIncrement(ctx, actor.Key(), kind, limit, l.cfg.Window)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Rate limit ledger failure, denying")
		return store.Decision{}, &PersistenceError{Op: "check rate limit", Err: err}
	}
	if !dec.Allowed {
		log.Info().
			Str("kind", string(kind)).
			Time("reset_at", dec.ResetAt).
			Msg("Rate limit exceeded")
		return dec, &LimitError{ResetAt: dec.ResetAt}
	}
	return dec, nil
}

// ── Errors ──────────────────────────────────────────────────

// LimitError reports a denied admission check.
type LimitError struct {
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	mins := int(time.Until(e.ResetAt).Minutes()) + 1
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("rate limit exceeded, try again in %d minutes", mins)
}

// SecurityError reports a failed verification check (bot detection and the
// like) from the admission layer. When it hits the first prompt of a batch
// the whole run aborts.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "security verification failed: " + e.Reason
}

// PersistenceError wraps a ledger or job-store storage failure. Admission
// fails closed on it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
