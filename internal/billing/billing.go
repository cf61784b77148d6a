// Package billing provides the credit gate: a thin client for the externally
// owned credit/balance service. The engine only needs a boolean "sufficient
// credits" signal per actor, checked once before a batch starts.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CreditGate answers whether an actor has credits for a new pipeline run.
type CreditGate interface {
	HasCredits(ctx context.Context, actorID string) (bool, error)
}

// ── HTTP gate ───────────────────────────────────────────────

// HTTPGate queries the billing service over HTTP.
type HTTPGate struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGate creates a gate against the billing service.
func NewHTTPGate(endpoint, apiKey string) *HTTPGate {
	return &HTTPGate{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// HasCredits asks the billing service for the actor's balance signal.
func (g *HTTPGate) HasCredits(ctx context.Context, actorID string) (bool, error) {
	reqURL := g.endpoint + "/credits?actor=" + url.QueryEscape(actorID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("billing: create request: %w", err)
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("billing: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("billing: status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Sufficient bool `json:"sufficient"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("billing: decode response: %w", err)
	}
	return out.Sufficient, nil
}

// ── Static gate ─────────────────────────────────────────────

// StaticGate always returns a fixed answer. Local dev and tests.
type StaticGate struct {
	Sufficient bool
}

func (g StaticGate) HasCredits(ctx context.Context, actorID string) (bool, error) {
	return g.Sufficient, nil
}
