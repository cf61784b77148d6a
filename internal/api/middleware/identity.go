package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity carries the request's caller attribution: the user id when the
// questionnaire wizard forwards one, plus the anonymous fallback signals
// used for rate-limit keying.
type Identity struct {
	UserID      string
	IP          string
	UserAgent   string
	Fingerprint string
}

// SetIdentity stores the caller Identity in the context.
func SetIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the caller Identity from the context. Returns nil
// if the identity middleware did not run.
func GetIdentity(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}

// WithIdentity extracts caller attribution from the request headers and
// stores it in the request context for downstream handlers.
func WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &Identity{
			UserID:      r.Header.Get("X-User-Id"),
			IP:          r.RemoteAddr,
			UserAgent:   r.UserAgent(),
			Fingerprint: r.Header.Get("X-Client-Fingerprint"),
		}
		next.ServeHTTP(w, r.WithContext(SetIdentity(r.Context(), identity)))
	})
}
