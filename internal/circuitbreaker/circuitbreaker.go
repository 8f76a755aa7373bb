// Package circuitbreaker tracks per-provider health so the gateway stops
// paying latency and spend for a provider that is already failing.
//
// States:
//   - Closed: normal operation
//   - Open: provider unhealthy, requests are skipped until the cooldown
//   - Half-Open: cooldown elapsed, one trial request is let through
//
// Only provider-class errors feed the breaker. Timeouts do not: a slow
// provider is not necessarily an unhealthy one under this policy.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // time in Open before a trial is allowed
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is the health gate for a single provider.
type Breaker struct {
	mu                sync.Mutex
	state             State
	failures          int
	openedAt          time.Time
	lastFailureReason string
	config            Config
	now               func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// IsOpen reports whether requests should be skipped. Once the cooldown has
// elapsed the breaker flips to half-open and IsOpen returns false,
// permitting one trial request.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}

	if b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = StateHalfOpen
		return false
	}

	return true
}

// RecordSuccess resets the failure count and closes the circuit. A single
// success is enough to close from half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.lastFailureReason = ""
}

// RecordFailure counts a provider-class failure. Crossing the threshold, or
// any failure while half-open, opens the circuit.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureReason = reason

	if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) snapshot(provider string) domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := domain.BreakerSnapshot{
		Provider:            provider,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailureReason:   b.lastFailureReason,
	}
	if b.state == StateOpen {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

// Manager holds one breaker per provider, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

func (m *Manager) get(provider string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()

	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[provider]; ok {
		return existing
	}

	b = New(m.config)
	m.breakers[provider] = b
	return b
}

func (m *Manager) IsOpen(provider string) bool {
	return m.get(provider).IsOpen()
}

func (m *Manager) RecordSuccess(provider string) {
	m.get(provider).RecordSuccess()
}

func (m *Manager) RecordFailure(provider, reason string) {
	m.get(provider).RecordFailure(reason)
}

// Reset forces a provider's breaker back to closed. Used by the admin
// surface for manual intervention.
func (m *Manager) Reset(provider string) {
	m.get(provider).RecordSuccess()
}

func (m *Manager) Snapshots() []domain.BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]domain.BreakerSnapshot, 0, len(m.breakers))
	for provider, b := range m.breakers {
		snaps = append(snaps, b.snapshot(provider))
	}
	return snaps
}
