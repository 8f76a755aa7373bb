// Package cost estimates per-request spend from token usage and records it
// for the spend guard and usage reporting.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":                {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gemini-2.0-flash":           {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":             {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"grok-2-latest":              {InputPer1K: 0.002, OutputPer1K: 0.01},
	"grok-beta":                  {InputPer1K: 0.005, OutputPer1K: 0.015},
}

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

// Estimate returns the USD cost for a completion. Unknown models estimate
// to zero, which the spend guard treats as "not recordable".
func (c *Calculator) Estimate(model string, usage domain.Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.InputTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.OutputTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

// UsageRecord is one confirmed completion's accounting entry.
type UsageRecord struct {
	RequestID    string
	ClientID     string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Cached       bool
	UsedFallback bool
	LatencyMs    int64
	Timestamp    time.Time
}

type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	TotalCost(ctx context.Context, since time.Time) (float64, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{records: make([]UsageRecord, 0)}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) Records() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
