// Package ratelimit provides per-client admission control for the chat
// gateway. Two independent policies apply: a fixed request window and a
// minimum spacing between consecutive requests (burst guard). The limiter
// counts attempts, not successes; a request that later fails upstream still
// consumed quota. Supports in-memory (single instance) and Redis
// (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result of one admission check. RemainingMs is the wait before the client
// may retry; it is only meaningful when Allowed is false.
type Result struct {
	Allowed     bool
	RemainingMs int64
}

type Limiter interface {
	Check(ctx context.Context, clientID string) (Result, error)
}

type Config struct {
	MaxRequests  int           // requests per window
	Window       time.Duration // fixed window duration
	BurstSpacing time.Duration // minimum gap between consecutive requests
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:  20,
		Window:       5 * time.Minute,
		BurstSpacing: 500 * time.Millisecond,
	}
}

// InMemoryLimiter tracks one window per client behind a single mutex.
// Idle windows are evicted by a background sweep.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	config  Config
	now     func() time.Time
}

type rateWindow struct {
	windowStart   time.Time
	count         int
	lastRequestAt time.Time
}

func NewInMemoryLimiter(cfg Config) *InMemoryLimiter {
	l := &InMemoryLimiter{
		windows: make(map[string]*rateWindow),
		config:  cfg,
		now:     time.Now,
	}
	go l.evict()
	return l
}

func (l *InMemoryLimiter) Check(ctx context.Context, clientID string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[clientID]
	if !ok {
		w = &rateWindow{windowStart: now}
		l.windows[clientID] = w
	}

	if now.Sub(w.windowStart) >= l.config.Window {
		w.windowStart = now
		w.count = 0
	}

	// Burst guard runs first: it rejects rapid-fire pairs that the window
	// counter alone would still admit.
	if l.config.BurstSpacing > 0 && !w.lastRequestAt.IsZero() {
		elapsed := now.Sub(w.lastRequestAt)
		if elapsed < l.config.BurstSpacing {
			return Result{Allowed: false, RemainingMs: millis(l.config.BurstSpacing - elapsed)}, nil
		}
	}

	if w.count >= l.config.MaxRequests {
		wait := w.windowStart.Add(l.config.Window).Sub(now)
		return Result{Allowed: false, RemainingMs: millis(wait)}, nil
	}

	w.count++
	w.lastRequestAt = now

	return Result{Allowed: true}, nil
}

// evict drops windows idle for two full window durations. Exact timing is
// not contractual; this only bounds memory for one-off clients.
func (l *InMemoryLimiter) evict() {
	ticker := time.NewTicker(l.config.Window)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		cutoff := l.now().Add(-2 * l.config.Window)
		for id, w := range l.windows {
			if w.lastRequestAt.Before(cutoff) && w.windowStart.Before(cutoff) {
				delete(l.windows, id)
			}
		}
		l.mu.Unlock()
	}
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
