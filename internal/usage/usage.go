// Package usage implements the usage accountant: token estimates and cost
// bookkeeping for completed generation calls.
//
// The token count is an approximation (chars/4 rounded up), not a real
// tokenizer; billing reconciliation happens downstream against provider
// invoices. Costs are looked up from a static per-model price table and
// rounded to 6 decimal places before persistence.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// ModelPrice holds USD prices per million tokens.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModel is the pricing fallback for unknown model names.
const DefaultModel = "gpt-4o-mini"

// pricing is the static per-model price table (USD per million tokens).
var pricing = map[string]ModelPrice{
	"gpt-4o":                    {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":               {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4-turbo":               {InputPerMillion: 10.00, OutputPerMillion: 30.00},
	"claude-sonnet-4-20250514":  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022": {InputPerMillion: 1.00, OutputPerMillion: 5.00},
}

// PriceFor returns the price entry for a model, falling back to the default
// entry for unknown names rather than failing.
func PriceFor(model string) ModelPrice {
	if p, ok := pricing[model]; ok {
		return p
	}
	return pricing[DefaultModel]
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// costUSD computes tokens × pricePerMillion rounded to 6 decimal places.
func costUSD(tokens int, pricePerMillion float64) float64 {
	c := decimal.NewFromInt(int64(tokens)).
		Mul(decimal.NewFromFloat(pricePerMillion)).
		Div(decimal.NewFromInt(1_000_000)).
		Round(6)
	f, _ := c.Float64()
	return f
}

// Accountant estimates and persists usage records.
type Accountant struct {
	store store.UsageStore
}

// NewAccountant creates an accountant writing to the given store.
func NewAccountant(s store.UsageStore) *Accountant {
	return &Accountant{store: s}
}

// Record estimates tokens and cost for a completed generation call and
// persists the ledger entry. Called on the success path only; the record is
// written once and never mutated.
func (a *Accountant) Record(ctx context.Context, job *models.GenerationJob, promptText, resultText string) (*models.UsageRecord, error) {
	price := PriceFor(job.ModelUsed)
	inTokens := EstimateTokens(promptText)
	outTokens := EstimateTokens(resultText)

	rec := &models.UsageRecord{
		UserID:             job.ActorID,
		SessionID:          job.SessionID,
		RequestID:          job.RequestID,
		InputTokens:        inTokens,
		OutputTokens:       outTokens,
		ModelUsed:          job.ModelUsed,
		InputCostEstimate:  costUSD(inTokens, price.InputPerMillion),
		OutputCostEstimate: costUSD(outTokens, price.OutputPerMillion),
		CreatedAt:          time.Now().UTC(),
	}

	if err := a.store.CreateUsage(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist usage record: %w", err)
	}

	log.Debug().
		Str("request_id", job.RequestID).
		Str("model", job.ModelUsed).
		Int("input_tokens", inTokens).
		Int("output_tokens", outTokens).
		Msg("Usage recorded")

	return rec, nil
}
