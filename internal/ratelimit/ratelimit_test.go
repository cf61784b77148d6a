package ratelimit_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/plansmith/plansmith/engine/internal/ratelimit"
	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// ─── Actor identity ─────────────────────────────────────────

func TestActorKind(t *testing.T) {
	auth := ratelimit.Actor{UserID: "user-1"}
	if auth.Kind() != models.ActorAuthenticated {
		t.Errorf("Kind() with UserID = %q, want authenticated", auth.Kind())
	}

	anon := ratelimit.Actor{IP: "203.0.113.7", UserAgent: "Mozilla/5.0"}
	if anon.Kind() != models.ActorAnonymous {
		t.Errorf("Kind() without UserID = %q, want anonymous", anon.Kind())
	}
}

func TestActorKey_Authenticated(t *testing.T) {
	a := ratelimit.Actor{UserID: "user-1", IP: "203.0.113.7"}
	if a.Key() != "user-1" {
		t.Errorf("Key() = %q, want the user id", a.Key())
	}
}

func TestActorKey_AnonymousIsHashedAndStable(t *testing.T) {
	a := ratelimit.Actor{IP: "203.0.113.7", UserAgent: "Mozilla/5.0", Fingerprint: "fp-1"}
	b := ratelimit.Actor{IP: "203.0.113.7", UserAgent: "Mozilla/5.0", Fingerprint: "fp-1"}
	c := ratelimit.Actor{IP: "203.0.113.8", UserAgent: "Mozilla/5.0", Fingerprint: "fp-1"}

	if a.Key() != b.Key() {
		t.Error("Key() not stable for identical anonymous actors")
	}
	if a.Key() == c.Key() {
		t.Error("Key() identical for actors differing in IP")
	}
	// Raw PII must never appear in the key.
	if strings.Contains(a.Key(), "203.0.113.7") || strings.Contains(a.Key(), "Mozilla") {
		t.Errorf("Key() = %q leaks raw identity components", a.Key())
	}
	if len(a.Key()) != 64 {
		t.Errorf("Key() length = %d, want 64 hex chars", len(a.Key()))
	}
}

// ─── Limiter ────────────────────────────────────────────────

func TestLimiter_PerKindLimits(t *testing.T) {
	s := store.NewMemoryStore()
	l := ratelimit.NewLimiter(s, ratelimit.Config{
		AuthenticatedLimit: 3,
		AnonymousLimit:     1,
		Window:             time.Hour,
	})
	ctx := context.Background()

	anon := ratelimit.Actor{IP: "203.0.113.7", UserAgent: "ua"}
	if _, err := l.Check(ctx, anon); err != nil {
		t.Fatalf("Check() anonymous #1 error = %v", err)
	}
	_, err := l.Check(ctx, anon)
	var limitErr *ratelimit.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Check() anonymous #2 error = %v, want *LimitError", err)
	}
	if !strings.Contains(err.Error(), "try again in") {
		t.Errorf("LimitError message = %q, want retry hint", err.Error())
	}

	// The authenticated budget is independent of the anonymous one.
	auth := ratelimit.Actor{UserID: "user-1"}
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, auth); err != nil {
			t.Fatalf("Check() authenticated #%d error = %v", i+1, err)
		}
	}
	if _, err := l.Check(ctx, auth); !errors.As(err, &limitErr) {
		t.Errorf("Check() authenticated #4 error = %v, want *LimitError", err)
	}
}

func TestLimiter_DecisionRemaining(t *testing.T) {
	s := store.NewMemoryStore()
	l := ratelimit.NewLimiter(s, ratelimit.Config{AuthenticatedLimit: 2, AnonymousLimit: 2, Window: time.Hour})

	dec, err := l.Check(context.Background(), ratelimit.Actor{UserID: "u"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if dec.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", dec.Remaining)
	}
	if dec.ResetAt.IsZero() {
		t.Error("ResetAt is zero, want window end")
	}
}

type failingLedger struct{ err error }

func (f failingLedger) CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (store.Decision, error) {
	return store.Decision{}, f.err
}

func TestLimiter_FailsClosed(t *testing.T) {
	l := ratelimit.NewLimiter(failingLedger{err: errors.New("connection refused")}, ratelimit.DefaultConfig())

	_, err := l.Check(context.Background(), ratelimit.Actor{UserID: "u"})
	var pErr *ratelimit.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("Check() with broken ledger error = %v, want *PersistenceError", err)
	}
	if pErr.Unwrap() == nil {
		t.Error("PersistenceError.Unwrap() = nil, want wrapped cause")
	}
}

func TestNewLimiter_DefaultsOnZeroWindow(t *testing.T) {
	s := store.NewMemoryStore()
	l := ratelimit.NewLimiter(s, ratelimit.Config{})
	ctx := context.Background()

	// Default anonymous budget is 5.
	anon := ratelimit.Actor{IP: "ip", UserAgent: "ua"}
	for i := 0; i < 5; i++ {
		if _, err := l.Check(ctx, anon); err != nil {
			t.Fatalf("Check() #%d error = %v", i+1, err)
		}
	}
	var limitErr *ratelimit.LimitError
	if _, err := l.Check(ctx, anon); !errors.As(err, &limitErr) {
		t.Errorf("Check() #6 error = %v, want *LimitError", err)
	}
}
