// Package spend enforces the gateway's budget ceiling. The guard is a hard
// admission check; recording is best-effort telemetry layered on top and
// must never fail a request.
package spend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tunedeck/chat-gateway/internal/cost"
	"github.com/tunedeck/chat-gateway/internal/metrics"
	"github.com/tunedeck/chat-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Guard checks cumulative estimated spend against a configured ceiling.
// The ledger resets at the epoch (start of the current month, UTC).
type Guard struct {
	mu         sync.Mutex
	tracker    cost.Tracker
	ceilingUSD float64
	thresholds Thresholds
	notifier   notifications.Notifier
	lastAlert  AlertLevel
	now        func() time.Time
}

func NewGuard(tracker cost.Tracker, ceilingUSD float64, notifier notifications.Notifier) *Guard {
	return &Guard{
		tracker:    tracker,
		ceilingUSD: ceilingUSD,
		thresholds: DefaultThresholds(),
		notifier:   notifier,
		now:        time.Now,
	}
}

func (g *Guard) epoch() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Allowed reports whether the ledger is still under the ceiling. A ceiling
// of zero or less disables the guard. Ledger read errors fail open: a
// broken accounting store must not take the gateway down.
func (g *Guard) Allowed(ctx context.Context) bool {
	if g.ceilingUSD <= 0 {
		return true
	}

	total, err := g.tracker.TotalCost(ctx, g.epoch())
	if err != nil {
		slog.Warn("spend guard ledger read failed, allowing request", "error", err)
		return true
	}

	return total < g.ceilingUSD
}

// Record appends a confirmed completion to the ledger. Only strictly
// positive estimates are recorded. Errors are logged and swallowed.
func (g *Guard) Record(ctx context.Context, record cost.UsageRecord) {
	if record.CostUSD <= 0 {
		return
	}

	if err := g.tracker.Record(ctx, record); err != nil {
		slog.Warn("failed to record usage",
			"error", err,
			"provider", record.Provider,
			"model", record.Model,
		)
		return
	}

	g.checkThresholds(ctx)
}

// Snapshot returns the current ledger total and ceiling.
func (g *Guard) Snapshot(ctx context.Context) (totalUSD, ceilingUSD float64) {
	total, err := g.tracker.TotalCost(ctx, g.epoch())
	if err != nil {
		return 0, g.ceilingUSD
	}
	return total, g.ceilingUSD
}

func (g *Guard) checkThresholds(ctx context.Context) {
	if g.ceilingUSD <= 0 || g.notifier == nil {
		return
	}

	total, err := g.tracker.TotalCost(ctx, g.epoch())
	if err != nil {
		return
	}

	ratio := total / g.ceilingUSD
	metrics.SpendUsageRatio.Set(ratio)

	var level AlertLevel
	var ntype notifications.NotificationType
	switch {
	case ratio >= 1.0:
		level, ntype = AlertLevelExceeded, notifications.NotificationSpendExceeded
	case ratio >= g.thresholds.Critical:
		level, ntype = AlertLevelCritical, notifications.NotificationSpendCritical
	case ratio >= g.thresholds.Warning:
		level, ntype = AlertLevelWarning, notifications.NotificationSpendWarning
	default:
		g.mu.Lock()
		g.lastAlert = ""
		g.mu.Unlock()
		return
	}

	// One alert per level per crossing.
	g.mu.Lock()
	if g.lastAlert == level {
		g.mu.Unlock()
		return
	}
	g.lastAlert = level
	g.mu.Unlock()

	notification := notifications.Notification{
		Type:    ntype,
		Message: fmt.Sprintf("spend at %.1f%% of ceiling", ratio*100),
		Data: map[string]interface{}{
			"total_usd":   total,
			"ceiling_usd": g.ceilingUSD,
		},
	}

	if err := g.notifier.Send(ctx, notification); err != nil {
		slog.Warn("failed to send spend alert", "error", err, "level", level)
	}
}
