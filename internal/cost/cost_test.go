package cost

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

func TestCalculator_Estimate(t *testing.T) {
	c := NewCalculator()

	// gpt-4o: $0.005/1K input, $0.015/1K output
	got := c.Estimate("gpt-4o", domain.Usage{InputTokens: 1000, OutputTokens: 2000})
	want := 0.005 + 2*0.015

	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate = %f, want %f", got, want)
	}
}

func TestCalculator_UnknownModelEstimatesZero(t *testing.T) {
	c := NewCalculator()

	if got := c.Estimate("some-new-model", domain.Usage{InputTokens: 1000, OutputTokens: 1000}); got != 0 {
		t.Errorf("Estimate for unknown model = %f, want 0", got)
	}
}

func TestCalculator_SetPricing(t *testing.T) {
	c := NewCalculator()
	c.SetPricing("custom-model", ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002})

	got := c.Estimate("custom-model", domain.Usage{InputTokens: 1000, OutputTokens: 1000})
	want := 0.003

	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Estimate = %f, want %f", got, want)
	}
}

func TestInMemoryTracker_TotalCostSince(t *testing.T) {
	tr := NewInMemoryTracker()
	ctx := context.Background()
	now := time.Now()

	tr.Record(ctx, UsageRecord{CostUSD: 1.5, Timestamp: now.Add(-time.Hour)})
	tr.Record(ctx, UsageRecord{CostUSD: 2.5, Timestamp: now.Add(-time.Minute)})
	tr.Record(ctx, UsageRecord{CostUSD: 4.0, Timestamp: now.Add(-30 * 24 * time.Hour)})

	total, err := tr.TotalCost(ctx, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(total-4.0) > 1e-9 {
		t.Errorf("TotalCost = %f, want 4.0", total)
	}
}

func TestUsage_Total(t *testing.T) {
	u := domain.Usage{InputTokens: 120, OutputTokens: 80}
	if u.Total() != 200 {
		t.Errorf("Total = %d, want 200", u.Total())
	}
}
