package spend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tunedeck/chat-gateway/internal/cost"
	"github.com/tunedeck/chat-gateway/internal/notifications"
)

type failingTracker struct{}

func (failingTracker) Record(ctx context.Context, record cost.UsageRecord) error {
	return errors.New("ledger down")
}

func (failingTracker) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	return 0, errors.New("ledger down")
}

func seed(t *testing.T, tracker cost.Tracker, costUSD float64) {
	t.Helper()
	err := tracker.Record(context.Background(), cost.UsageRecord{
		CostUSD:   costUSD,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestGuard_AllowedUnderCeiling(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	g := NewGuard(tracker, 50, nil)

	seed(t, tracker, 10)

	if !g.Allowed(context.Background()) {
		t.Error("spend under the ceiling should be allowed")
	}
}

func TestGuard_RejectsAtCeiling(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	g := NewGuard(tracker, 50, nil)

	seed(t, tracker, 50)

	if g.Allowed(context.Background()) {
		t.Error("spend at the ceiling should be rejected")
	}
}

func TestGuard_ZeroCeilingDisablesGuard(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	g := NewGuard(tracker, 0, nil)

	seed(t, tracker, 10000)

	if !g.Allowed(context.Background()) {
		t.Error("a zero ceiling disables the guard entirely")
	}
}

func TestGuard_FailsOpenOnLedgerError(t *testing.T) {
	g := NewGuard(failingTracker{}, 50, nil)

	if !g.Allowed(context.Background()) {
		t.Error("a broken ledger must fail open")
	}
}

func TestGuard_RecordSkipsNonPositiveCost(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	g := NewGuard(tracker, 50, nil)

	g.Record(context.Background(), cost.UsageRecord{CostUSD: 0, Timestamp: time.Now()})
	g.Record(context.Background(), cost.UsageRecord{CostUSD: -1, Timestamp: time.Now()})

	if len(tracker.Records()) != 0 {
		t.Errorf("recorded %d entries, want 0", len(tracker.Records()))
	}
}

func TestGuard_RecordNeverFails(t *testing.T) {
	g := NewGuard(failingTracker{}, 50, nil)

	// Must not panic and must swallow the tracker error.
	g.Record(context.Background(), cost.UsageRecord{CostUSD: 1, Timestamp: time.Now()})
}

func TestGuard_ThresholdAlerts(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	notifier := notifications.NewInMemoryNotifier()
	g := NewGuard(tracker, 100, notifier)

	g.Record(context.Background(), cost.UsageRecord{CostUSD: 85, Timestamp: time.Now()})

	sent := notifier.Notifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Type != notifications.NotificationSpendWarning {
		t.Errorf("type = %q, want %q", sent[0].Type, notifications.NotificationSpendWarning)
	}
}

func TestGuard_AlertsDedupedPerLevel(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	notifier := notifications.NewInMemoryNotifier()
	g := NewGuard(tracker, 100, notifier)

	g.Record(context.Background(), cost.UsageRecord{CostUSD: 82, Timestamp: time.Now()})
	g.Record(context.Background(), cost.UsageRecord{CostUSD: 3, Timestamp: time.Now()})

	if got := len(notifier.Notifications()); got != 1 {
		t.Fatalf("notifications = %d, want 1 (same level must not re-alert)", got)
	}

	// Crossing the next threshold alerts again.
	g.Record(context.Background(), cost.UsageRecord{CostUSD: 12, Timestamp: time.Now()})

	sent := notifier.Notifications()
	if len(sent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(sent))
	}
	if sent[1].Type != notifications.NotificationSpendCritical {
		t.Errorf("second alert type = %q, want %q", sent[1].Type, notifications.NotificationSpendCritical)
	}
}

func TestGuard_ExceededAlert(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	notifier := notifications.NewInMemoryNotifier()
	g := NewGuard(tracker, 100, notifier)

	g.Record(context.Background(), cost.UsageRecord{CostUSD: 105, Timestamp: time.Now()})

	sent := notifier.Notifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Type != notifications.NotificationSpendExceeded {
		t.Errorf("type = %q, want %q", sent[0].Type, notifications.NotificationSpendExceeded)
	}

	if g.Allowed(context.Background()) {
		t.Error("guard should reject once the ceiling is exceeded")
	}
}

func TestGuard_MonthlyEpoch(t *testing.T) {
	tracker := cost.NewInMemoryTracker()
	g := NewGuard(tracker, 50, nil)
	g.now = func() time.Time {
		return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	}

	// Last month's spend does not count against this month's ceiling.
	tracker.Record(context.Background(), cost.UsageRecord{
		CostUSD:   60,
		Timestamp: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	})
	tracker.Record(context.Background(), cost.UsageRecord{
		CostUSD:   5,
		Timestamp: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	})

	if !g.Allowed(context.Background()) {
		t.Error("only the current month's spend should count")
	}

	total, ceiling := g.Snapshot(context.Background())
	if total != 5 {
		t.Errorf("snapshot total = %f, want 5", total)
	}
	if ceiling != 50 {
		t.Errorf("snapshot ceiling = %f, want 50", ceiling)
	}
}
