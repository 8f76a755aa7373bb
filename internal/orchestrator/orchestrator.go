// Package orchestrator runs the request pipeline: admission (spend guard,
// rate limit), cache lookup, provider resolution, dispatch with per-attempt
// timeout, and at most one fallback dispatch.
//
// Failover policy:
//   - provider-class errors feed the circuit breaker and trigger fallback
//   - an open breaker skips the provider without counting a failure
//   - timeouts are terminal: they never fail over and never feed the breaker
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunedeck/chat-gateway/internal/cache"
	"github.com/tunedeck/chat-gateway/internal/cost"
	"github.com/tunedeck/chat-gateway/internal/domain"
	"github.com/tunedeck/chat-gateway/internal/metrics"
	"github.com/tunedeck/chat-gateway/internal/prompt"
	"github.com/tunedeck/chat-gateway/internal/queue"
	"github.com/tunedeck/chat-gateway/internal/ratelimit"
	"github.com/tunedeck/chat-gateway/internal/registry"
	"github.com/tunedeck/chat-gateway/internal/spend"
	"github.com/tunedeck/chat-gateway/internal/telemetry"
)

// Breakers is the per-provider health gate. Both the in-memory and the
// Redis-backed managers satisfy it.
type Breakers interface {
	IsOpen(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider, reason string)
}

type Options struct {
	FailoverEnabled  bool
	CacheTTL         time.Duration
	BufferedTimeout  time.Duration
	StreamTimeout    time.Duration
	MaxMessages      int
	MaxContentLength int
}

func DefaultOptions() Options {
	return Options{
		FailoverEnabled:  true,
		CacheTTL:         time.Hour,
		BufferedTimeout:  30 * time.Second,
		StreamTimeout:    120 * time.Second,
		MaxMessages:      40,
		MaxContentLength: 8000,
	}
}

type Orchestrator struct {
	registry   *registry.Registry
	limiter    ratelimit.Limiter
	cache      cache.Cache
	breakers   Breakers
	guard      *spend.Guard
	calculator *cost.Calculator
	prompts    *prompt.Builder
	publisher  queue.Publisher // optional
	opts       Options
	now        func() time.Time
}

func New(
	reg *registry.Registry,
	limiter ratelimit.Limiter,
	responseCache cache.Cache,
	breakers Breakers,
	guard *spend.Guard,
	calculator *cost.Calculator,
	prompts *prompt.Builder,
	publisher queue.Publisher,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		limiter:    limiter,
		cache:      responseCache,
		breakers:   breakers,
		guard:      guard,
		calculator: calculator,
		prompts:    prompts,
		publisher:  publisher,
		opts:       opts,
		now:        time.Now,
	}
}

// Complete serves a buffered chat request end to end.
func (o *Orchestrator) Complete(ctx context.Context, clientID string, req *domain.ChatRequest) (*domain.ChatResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.complete")
	defer span.End()

	requestID := uuid.New().String()
	started := o.now()

	if err := o.admit(ctx, clientID, req); err != nil {
		return nil, err
	}

	key := cache.Fingerprint(req)
	if entry, ok := o.cache.Get(ctx, key); ok {
		metrics.CacheHits.Inc()
		telemetry.AddCacheAttribute(span, true)
		return &domain.ChatResult{
			Reply:     entry.Text,
			Model:     entry.Model,
			Provider:  entry.Provider,
			CacheHit:  true,
			RequestID: requestID,
			LatencyMs: o.now().Sub(started).Milliseconds(),
		}, nil
	}
	metrics.CacheMisses.Inc()

	resolved, err := o.registry.Resolve(req.ModelPreference)
	if err != nil {
		return nil, err
	}

	completion, served, usedFallback, err := o.dispatch(ctx, resolved, req)
	if err != nil {
		metrics.RecordRequest(served.Profile.Name, served.Profile.Model, "error", o.now().Sub(started).Seconds())
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	latency := o.now().Sub(started)
	telemetry.AddRequestAttributes(span, clientID, served.Profile.Name, served.Profile.Model, requestID)
	telemetry.AddTokenAttributes(span, completion.Usage.InputTokens, completion.Usage.OutputTokens)

	result := &domain.ChatResult{
		Reply:        completion.Text,
		Model:        served.Profile.Model,
		Provider:     served.Profile.Name,
		UsedFallback: usedFallback,
		Usage:        &completion.Usage,
		ToolUsage:    completion.ToolsUsed,
		RequestID:    requestID,
		LatencyMs:    latency.Milliseconds(),
	}

	o.settle(ctx, clientID, requestID, served, completion, key, usedFallback, latency)
	metrics.RecordRequest(served.Profile.Name, served.Profile.Model, "ok", latency.Seconds())

	return result, nil
}

// Sink receives incremental text as the provider produces it. A sink error
// aborts the stream; it is the caller's write failure, not the provider's.
type Sink func(delta domain.StreamDelta) error

// CompleteStream serves a streaming chat request. All admission checks run
// before the first delta reaches the sink, so callers can still map
// pre-stream failures to proper status codes. A cache hit is delivered as a
// single delta.
func (o *Orchestrator) CompleteStream(ctx context.Context, clientID string, req *domain.ChatRequest, sink Sink) (*domain.ChatResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.stream")
	defer span.End()

	requestID := uuid.New().String()
	started := o.now()

	if err := o.admit(ctx, clientID, req); err != nil {
		return nil, err
	}

	key := cache.Fingerprint(req)
	if entry, ok := o.cache.Get(ctx, key); ok {
		metrics.CacheHits.Inc()
		telemetry.AddCacheAttribute(span, true)
		if err := sink(domain.StreamDelta{Text: entry.Text}); err != nil {
			return nil, err
		}
		return &domain.ChatResult{
			Reply:     entry.Text,
			Model:     entry.Model,
			Provider:  entry.Provider,
			CacheHit:  true,
			RequestID: requestID,
			LatencyMs: o.now().Sub(started).Milliseconds(),
		}, nil
	}
	metrics.CacheMisses.Inc()

	resolved, err := o.registry.Resolve(req.ModelPreference)
	if err != nil {
		return nil, err
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	completion, served, usedFallback, err := o.dispatchStream(ctx, resolved, req, sink)
	if err != nil {
		metrics.RecordRequest(served.Profile.Name, served.Profile.Model, "error", o.now().Sub(started).Seconds())
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	latency := o.now().Sub(started)
	telemetry.AddRequestAttributes(span, clientID, served.Profile.Name, served.Profile.Model, requestID)
	telemetry.AddTokenAttributes(span, completion.Usage.InputTokens, completion.Usage.OutputTokens)

	result := &domain.ChatResult{
		Reply:        completion.Text,
		Model:        served.Profile.Model,
		Provider:     served.Profile.Name,
		UsedFallback: usedFallback,
		Usage:        &completion.Usage,
		ToolUsage:    completion.ToolsUsed,
		RequestID:    requestID,
		LatencyMs:    latency.Milliseconds(),
	}

	o.settle(ctx, clientID, requestID, served, completion, key, usedFallback, latency)
	metrics.RecordRequest(served.Profile.Name, served.Profile.Model, "ok", latency.Seconds())

	return result, nil
}

// admit runs validation and the admission gates in their contractual order:
// invalid requests are rejected before any quota is consumed, the spend
// guard runs before the rate limiter so a spend rejection does not burn
// rate-limit quota.
func (o *Orchestrator) admit(ctx context.Context, clientID string, req *domain.ChatRequest) error {
	if err := o.validate(req); err != nil {
		return err
	}

	if !o.guard.Allowed(ctx) {
		metrics.SpendRejections.Inc()
		return domain.ErrSpendLimit
	}

	result, err := o.limiter.Check(ctx, clientID)
	if err != nil {
		// A broken limiter backend fails open, same as the spend guard.
		slog.Warn("rate limiter check failed, allowing request", "error", err)
		return nil
	}
	if !result.Allowed {
		metrics.RecordRateLimitHit()
		return &domain.RateLimitError{RemainingMs: result.RemainingMs}
	}

	return nil
}

func (o *Orchestrator) validate(req *domain.ChatRequest) error {
	if req == nil || len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrInvalidRequest)
	}
	if o.opts.MaxMessages > 0 && len(req.Messages) > o.opts.MaxMessages {
		return fmt.Errorf("%w: too many messages (max %d)", domain.ErrInvalidRequest, o.opts.MaxMessages)
	}

	for i, m := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role != "user" && role != "assistant" {
			return fmt.Errorf("%w: message %d has invalid role %q", domain.ErrInvalidRequest, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message %d has empty content", domain.ErrInvalidRequest, i)
		}
		if o.opts.MaxContentLength > 0 && len(m.Content) > o.opts.MaxContentLength {
			return fmt.Errorf("%w: message %d exceeds %d characters", domain.ErrInvalidRequest, i, o.opts.MaxContentLength)
		}
	}

	last := req.Messages[len(req.Messages)-1]
	if strings.ToLower(strings.TrimSpace(last.Role)) != "user" {
		return fmt.Errorf("%w: last message must be from the user", domain.ErrInvalidRequest)
	}

	return nil
}

func (o *Orchestrator) completionRequest(res *registry.Resolved, req *domain.ChatRequest) domain.CompletionRequest {
	return domain.CompletionRequest{
		System:          o.prompts.Build(req.Context, req.Personalization),
		Messages:        req.Messages,
		Model:           res.Profile.Model,
		MaxOutputTokens: res.Profile.MaxOutputTokens,
		Temperature:     res.Profile.Temperature,
	}
}

// dispatch runs the primary attempt and at most one fallback attempt. The
// returned Resolved names the provider that actually served (or last tried)
// so callers can label errors correctly.
func (o *Orchestrator) dispatch(ctx context.Context, primary *registry.Resolved, req *domain.ChatRequest) (*domain.Completion, *registry.Resolved, bool, error) {
	completion, err := o.attempt(ctx, primary, req)
	if err == nil {
		return completion, primary, false, nil
	}

	if !o.shouldFailover(err) {
		return nil, primary, false, err
	}

	fallback := o.registry.ResolveFallback(primary.Profile.Name)
	if fallback == nil {
		return nil, primary, false, err
	}

	slog.Warn("failing over",
		"from", primary.Profile.Name,
		"to", fallback.Profile.Name,
		"error", err,
	)
	metrics.RecordFailover(primary.Profile.Name, fallback.Profile.Name)

	completion, ferr := o.attempt(ctx, fallback, req)
	if ferr != nil {
		return nil, fallback, true, ferr
	}

	return completion, fallback, true, nil
}

// attempt performs one buffered provider call under a fresh per-attempt
// deadline and applies the breaker bookkeeping.
func (o *Orchestrator) attempt(ctx context.Context, res *registry.Resolved, req *domain.ChatRequest) (*domain.Completion, error) {
	name := res.Profile.Name

	if o.breakers.IsOpen(name) {
		metrics.RecordProviderError(name, "circuit_open")
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, name)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.opts.BufferedTimeout)
	defer cancel()

	completion, err := res.Provider.Complete(attemptCtx, o.completionRequest(res, req))
	if err != nil {
		return nil, o.classify(ctx, attemptCtx, name, err)
	}

	o.breakers.RecordSuccess(name)
	return completion, nil
}

// classify maps a raw attempt error to the gateway taxonomy. Timeouts are
// deliberately not recorded as breaker failures.
func (o *Orchestrator) classify(parent, attempt context.Context, provider string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	if attempt.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordProviderError(provider, "timeout")
		return fmt.Errorf("%w: %s", domain.ErrTimeout, provider)
	}

	metrics.RecordProviderError(provider, "provider_error")
	o.breakers.RecordFailure(provider, err.Error())
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderError, provider, err)
}

// shouldFailover permits fallback for provider-class failures and open
// breakers only. Timeouts, spend and validation errors are terminal.
func (o *Orchestrator) shouldFailover(err error) bool {
	if !o.opts.FailoverEnabled {
		return false
	}
	return errors.Is(err, domain.ErrProviderError) || errors.Is(err, domain.ErrCircuitOpen)
}

func (o *Orchestrator) dispatchStream(ctx context.Context, primary *registry.Resolved, req *domain.ChatRequest, sink Sink) (*domain.Completion, *registry.Resolved, bool, error) {
	completion, streamed, err := o.attemptStream(ctx, primary, req, sink)
	if err == nil {
		return completion, primary, false, nil
	}

	// Once deltas have reached the client the stream cannot be restarted on
	// another provider without duplicating output.
	if streamed || !o.shouldFailover(err) {
		return nil, primary, false, err
	}

	fallback := o.registry.ResolveFallback(primary.Profile.Name)
	if fallback == nil {
		return nil, primary, false, err
	}

	slog.Warn("failing over stream",
		"from", primary.Profile.Name,
		"to", fallback.Profile.Name,
		"error", err,
	)
	metrics.RecordFailover(primary.Profile.Name, fallback.Profile.Name)

	completion, _, ferr := o.attemptStream(ctx, fallback, req, sink)
	if ferr != nil {
		return nil, fallback, true, ferr
	}

	return completion, fallback, true, nil
}

// attemptStream runs one streaming provider call, forwarding deltas to the
// sink and accumulating the full reply for caching. streamed reports whether
// any delta reached the sink before the failure.
func (o *Orchestrator) attemptStream(ctx context.Context, res *registry.Resolved, req *domain.ChatRequest, sink Sink) (completion *domain.Completion, streamed bool, err error) {
	name := res.Profile.Name

	if o.breakers.IsOpen(name) {
		metrics.RecordProviderError(name, "circuit_open")
		return nil, false, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, name)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.opts.StreamTimeout)
	defer cancel()

	deltas, end := res.Provider.Stream(attemptCtx, o.completionRequest(res, req))

	var reply strings.Builder
	for delta := range deltas {
		if serr := sink(delta); serr != nil {
			// Client write failure. Drain so the provider goroutine can
			// finish; the provider did nothing wrong.
			cancel()
			for range deltas {
			}
			<-end
			return nil, streamed, fmt.Errorf("write delta: %w", serr)
		}
		streamed = true
		reply.WriteString(delta.Text)
	}

	final := <-end
	if final.Err != nil {
		return nil, streamed, o.classify(ctx, attemptCtx, name, final.Err)
	}

	o.breakers.RecordSuccess(name)
	return &domain.Completion{
		Text:      reply.String(),
		Usage:     final.Usage,
		ToolsUsed: final.ToolsUsed,
	}, streamed, nil
}

// settle does the post-success bookkeeping: cache write (tool-free replies
// only), usage accounting, and the analytics event. None of it can fail the
// request.
func (o *Orchestrator) settle(ctx context.Context, clientID, requestID string, served *registry.Resolved, completion *domain.Completion, cacheKey string, usedFallback bool, latency time.Duration) {
	if len(completion.ToolsUsed) == 0 && completion.Text != "" {
		if err := o.cache.Set(ctx, cacheKey, cache.Entry{
			Text:      completion.Text,
			Model:     served.Profile.Model,
			Provider:  served.Profile.Name,
			CreatedAt: o.now(),
		}, o.opts.CacheTTL); err != nil {
			slog.Warn("cache write failed", "error", err)
		}
	}

	costUSD := o.calculator.Estimate(served.Profile.Model, completion.Usage)
	metrics.RecordTokens(served.Profile.Name, served.Profile.Model, completion.Usage.InputTokens, completion.Usage.OutputTokens)
	metrics.RecordCost(served.Profile.Name, served.Profile.Model, costUSD)

	record := cost.UsageRecord{
		RequestID:    requestID,
		ClientID:     clientID,
		Provider:     served.Profile.Name,
		Model:        served.Profile.Model,
		InputTokens:  completion.Usage.InputTokens,
		OutputTokens: completion.Usage.OutputTokens,
		CostUSD:      costUSD,
		UsedFallback: usedFallback,
		LatencyMs:    latency.Milliseconds(),
		Timestamp:    o.now(),
	}

	o.guard.Record(ctx, record)

	if o.publisher != nil {
		if err := o.publisher.PublishUsage(ctx, record); err != nil {
			slog.Warn("usage event publish failed", "error", err)
		}
	}
}
