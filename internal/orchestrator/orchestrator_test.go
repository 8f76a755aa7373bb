package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tunedeck/chat-gateway/internal/cache"
	"github.com/tunedeck/chat-gateway/internal/circuitbreaker"
	"github.com/tunedeck/chat-gateway/internal/config"
	"github.com/tunedeck/chat-gateway/internal/cost"
	"github.com/tunedeck/chat-gateway/internal/domain"
	"github.com/tunedeck/chat-gateway/internal/notifications"
	"github.com/tunedeck/chat-gateway/internal/prompt"
	"github.com/tunedeck/chat-gateway/internal/queue"
	"github.com/tunedeck/chat-gateway/internal/ratelimit"
	"github.com/tunedeck/chat-gateway/internal/registry"
	"github.com/tunedeck/chat-gateway/internal/spend"
)

type fakeProvider struct {
	name        string
	reply       string
	tools       []string
	usage       domain.Usage
	completeErr error
	block       bool // hold the call until the context expires

	streamDeltas    []string
	streamErr       error
	errAfterStream  bool // deliver deltas before the stream error
	calls           int
	streamCallCount int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &domain.Completion{Text: f.reply, Usage: f.usage, ToolsUsed: f.tools}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, <-chan domain.StreamEnd) {
	f.streamCallCount++
	deltas := make(chan domain.StreamDelta)
	end := make(chan domain.StreamEnd, 1)

	go func() {
		defer close(deltas)
		defer close(end)

		if f.block {
			<-ctx.Done()
			end <- domain.StreamEnd{Err: ctx.Err()}
			return
		}

		if f.streamErr != nil && !f.errAfterStream {
			end <- domain.StreamEnd{Err: f.streamErr}
			return
		}

		for _, text := range f.streamDeltas {
			select {
			case deltas <- domain.StreamDelta{Text: text}:
			case <-ctx.Done():
				end <- domain.StreamEnd{Err: ctx.Err()}
				return
			}
		}

		if f.streamErr != nil {
			end <- domain.StreamEnd{Err: f.streamErr}
			return
		}

		end <- domain.StreamEnd{Usage: f.usage, ToolsUsed: f.tools}
	}()

	return deltas, end
}

type allowAllLimiter struct{}

func (allowAllLimiter) Check(ctx context.Context, clientID string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, nil
}

type denyLimiter struct {
	remainingMs int64
}

func (d denyLimiter) Check(ctx context.Context, clientID string) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: false, RemainingMs: d.remainingMs}, nil
}

type harness struct {
	orch      *Orchestrator
	breakers  *circuitbreaker.Manager
	tracker   *cost.InMemoryTracker
	publisher *queue.InMemoryPublisher
	cache     cache.Cache
}

func newHarness(t *testing.T, providers map[string]registry.Provider, mutate func(*Options, *harness)) *harness {
	t.Helper()

	cfgs := map[string]config.ProviderConfig{
		"gpt":    {Model: "gpt-4o", MaxOutputTokens: 512, Temperature: 0.7, Fallback: "gemini"},
		"gemini": {Model: "gemini-2.0-flash", MaxOutputTokens: 512, Temperature: 0.7, Fallback: ""},
	}

	h := &harness{
		breakers:  circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 5, Cooldown: 30 * time.Second}),
		tracker:   cost.NewInMemoryTracker(),
		publisher: queue.NewInMemoryPublisher(),
		cache:     cache.NewInMemoryCache(),
	}

	opts := Options{
		FailoverEnabled:  true,
		CacheTTL:         time.Hour,
		BufferedTimeout:  time.Second,
		StreamTimeout:    time.Second,
		MaxMessages:      40,
		MaxContentLength: 8000,
	}

	var limiter ratelimit.Limiter = allowAllLimiter{}
	guard := spend.NewGuard(h.tracker, 50, notifications.NewInMemoryNotifier())

	if mutate != nil {
		mutate(&opts, h)
	}

	h.orch = New(
		registry.New(providers, cfgs, "gpt"),
		limiter,
		h.cache,
		h.breakers,
		guard,
		cost.NewCalculator(),
		prompt.NewBuilder("TuneDeck"),
		h.publisher,
		opts,
	)
	return h
}

func chatRequest() *domain.ChatRequest {
	return &domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "user", Content: "what song is this?"},
		},
		Context: &domain.PlayerContext{TrackID: "trk_1", TrackTitle: "So What", Artist: "Miles Davis"},
	}
}

func breakerFailures(t *testing.T, m *circuitbreaker.Manager, provider string) int {
	t.Helper()
	for _, snap := range m.Snapshots() {
		if snap.Provider == provider {
			return snap.ConsecutiveFailures
		}
	}
	return 0
}

func TestComplete_HappyPath(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "a jazz classic", usage: domain.Usage{InputTokens: 100, OutputTokens: 50}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	result, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Reply != "a jazz classic" {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.Provider != "gpt" || result.Model != "gpt-4o" {
		t.Errorf("provider/model = %s/%s", result.Provider, result.Model)
	}
	if result.UsedFallback || result.CacheHit {
		t.Error("plain success should not be marked fallback or cache hit")
	}
	if result.Usage == nil || result.Usage.Total() != 150 {
		t.Errorf("usage = %+v, want 150 total tokens", result.Usage)
	}
	if result.RequestID == "" {
		t.Error("request ID should be assigned")
	}

	records := h.tracker.Records()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	if records[0].CostUSD <= 0 {
		t.Errorf("cost = %f, want > 0", records[0].CostUSD)
	}
	if got := h.publisher.Records(); len(got) != 1 {
		t.Errorf("published events = %d, want 1", len(got))
	}
}

func TestComplete_CacheHitSkipsProvider(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "a jazz classic"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)
	ctx := context.Background()

	if _, err := h.orch.Complete(ctx, "client1", chatRequest()); err != nil {
		t.Fatalf("first request: %v", err)
	}

	result, err := h.orch.Complete(ctx, "client2", chatRequest())
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if !result.CacheHit {
		t.Error("second identical request should hit the cache")
	}
	if result.Reply != "a jazz classic" {
		t.Errorf("cached reply = %q", result.Reply)
	}
	if gpt.calls != 1 {
		t.Errorf("provider calls = %d, want 1", gpt.calls)
	}
}

func TestComplete_ToolRepliesNotCached(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "queued it for you", tools: []string{"queue_track"}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)
	ctx := context.Background()

	h.orch.Complete(ctx, "client1", chatRequest())
	result, err := h.orch.Complete(ctx, "client1", chatRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CacheHit {
		t.Error("tool-using replies must not be served from cache")
	}
	if gpt.calls != 2 {
		t.Errorf("provider calls = %d, want 2", gpt.calls)
	}
}

func TestComplete_Validation(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "ok"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)
	ctx := context.Background()

	long := make([]byte, 9000)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		name string
		req  *domain.ChatRequest
	}{
		{"empty messages", &domain.ChatRequest{}},
		{"blank content", &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "   "}}}},
		{"bad role", &domain.ChatRequest{Messages: []domain.Message{{Role: "system", Content: "hi"}}}},
		{"last not user", &domain.ChatRequest{Messages: []domain.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		}}},
		{"content too long", &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: string(long)}}}},
	}

	for _, tc := range cases {
		_, err := h.orch.Complete(ctx, "client1", tc.req)
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Errorf("%s: error = %v, want ErrInvalidRequest", tc.name, err)
		}
	}

	if gpt.calls != 0 {
		t.Errorf("invalid requests must not reach a provider, got %d calls", gpt.calls)
	}
}

func TestComplete_TooManyMessages(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "ok"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	req := &domain.ChatRequest{}
	for i := 0; i < 41; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		req.Messages = append(req.Messages, domain.Message{Role: role, Content: "hi"})
	}

	_, err := h.orch.Complete(context.Background(), "client1", req)
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "ok"}
	cfgs := map[string]config.ProviderConfig{"gpt": {Model: "gpt-4o"}}

	orch := New(
		registry.New(map[string]registry.Provider{"gpt": gpt}, cfgs, "gpt"),
		denyLimiter{remainingMs: 350},
		cache.NewInMemoryCache(),
		circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		spend.NewGuard(cost.NewInMemoryTracker(), 50, nil),
		cost.NewCalculator(),
		prompt.NewBuilder("TuneDeck"),
		nil,
		DefaultOptions(),
	)

	_, err := orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}

	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("error should carry the retry wait")
	}
	if rle.RemainingMs != 350 {
		t.Errorf("RemainingMs = %d, want 350", rle.RemainingMs)
	}
	if gpt.calls != 0 {
		t.Error("rate-limited requests must not reach a provider")
	}
}

func TestComplete_SpendLimit(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "ok"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, func(opts *Options, h *harness) {
		h.tracker.Record(context.Background(), cost.UsageRecord{CostUSD: 100, Timestamp: time.Now()})
	})

	_, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrSpendLimit) {
		t.Errorf("error = %v, want ErrSpendLimit", err)
	}
	if gpt.calls != 0 {
		t.Error("spend-rejected requests must not reach a provider")
	}
}

func TestComplete_FailoverOnProviderError(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", completeErr: errors.New("upstream 500")}
	gemini := &fakeProvider{name: "gemini", reply: "from the fallback", usage: domain.Usage{InputTokens: 10, OutputTokens: 5}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, nil)

	result, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.UsedFallback {
		t.Error("result should be marked as fallback")
	}
	if result.Provider != "gemini" {
		t.Errorf("provider = %q, want gemini", result.Provider)
	}
	if breakerFailures(t, h.breakers, "gpt") != 1 {
		t.Errorf("gpt breaker failures = %d, want 1", breakerFailures(t, h.breakers, "gpt"))
	}
}

func TestComplete_SingleFailoverOnly(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", completeErr: errors.New("down")}
	gemini := &fakeProvider{name: "gemini", completeErr: errors.New("also down")}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, nil)

	_, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("error = %v, want ErrProviderError", err)
	}
	if gpt.calls != 1 || gemini.calls != 1 {
		t.Errorf("calls = gpt:%d gemini:%d, want one each", gpt.calls, gemini.calls)
	}
}

func TestComplete_NoFallbackAvailable(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", completeErr: errors.New("down")}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	_, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("error = %v, want ErrProviderError", err)
	}
}

func TestComplete_FailoverDisabled(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", completeErr: errors.New("down")}
	gemini := &fakeProvider{name: "gemini", reply: "unused"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, func(opts *Options, h *harness) {
		opts.FailoverEnabled = false
	})

	_, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrProviderError) {
		t.Errorf("error = %v, want ErrProviderError", err)
	}
	if gemini.calls != 0 {
		t.Error("failover disabled: fallback must not be called")
	}
}

func TestComplete_OpenBreakerSkipsToFallback(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "should not serve"}
	gemini := &fakeProvider{name: "gemini", reply: "from the fallback"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, nil)

	for i := 0; i < 5; i++ {
		h.breakers.RecordFailure("gpt", "warming up the outage")
	}

	result, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gpt.calls != 0 {
		t.Error("an open breaker must skip the provider without dispatching")
	}
	if result.Provider != "gemini" || !result.UsedFallback {
		t.Errorf("result = %s fallback=%v, want gemini via fallback", result.Provider, result.UsedFallback)
	}
}

func TestComplete_TimeoutIsTerminal(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", block: true}
	gemini := &fakeProvider{name: "gemini", reply: "unused"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, func(opts *Options, h *harness) {
		opts.BufferedTimeout = 20 * time.Millisecond
	})

	_, err := h.orch.Complete(context.Background(), "client1", chatRequest())
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	if gemini.calls != 0 {
		t.Error("timeouts must never fail over")
	}
	if got := breakerFailures(t, h.breakers, "gpt"); got != 0 {
		t.Errorf("gpt breaker failures = %d, want 0 (timeouts do not count)", got)
	}
}

func TestComplete_ClientCancellation(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", block: true}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := h.orch.Complete(ctx, "client1", chatRequest())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if got := breakerFailures(t, h.breakers, "gpt"); got != 0 {
		t.Errorf("gpt breaker failures = %d, want 0 (client hangup is not a provider failure)", got)
	}
}

func TestComplete_UnknownPreference(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", reply: "ok"}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	req := chatRequest()
	req.ModelPreference = "gemini" // configured but no credential in this harness

	_, err := h.orch.Complete(context.Background(), "client1", req)
	if !errors.Is(err, domain.ErrProviderNotConfigured) {
		t.Errorf("error = %v, want ErrProviderNotConfigured", err)
	}
}

func TestCompleteStream_HappyPath(t *testing.T) {
	gpt := &fakeProvider{
		name:         "gpt",
		streamDeltas: []string{"a jazz ", "classic"},
		usage:        domain.Usage{InputTokens: 100, OutputTokens: 20},
	}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	var got []string
	result, err := h.orch.CompleteStream(context.Background(), "client1", chatRequest(), func(d domain.StreamDelta) error {
		got = append(got, d.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 || got[0] != "a jazz " || got[1] != "classic" {
		t.Errorf("deltas = %v", got)
	}
	if result.Reply != "a jazz classic" {
		t.Errorf("assembled reply = %q", result.Reply)
	}
	if result.Usage == nil || result.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", result.Usage)
	}

	// The assembled reply is cached for the buffered endpoint too.
	cached, err2 := h.orch.Complete(context.Background(), "client2", chatRequest())
	if err2 != nil {
		t.Fatalf("buffered follow-up: %v", err2)
	}
	if !cached.CacheHit {
		t.Error("a streamed reply should populate the shared cache")
	}
}

func TestCompleteStream_CacheHitSingleDelta(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", streamDeltas: []string{"a jazz ", "classic"}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)
	ctx := context.Background()

	sinkAll := func(d domain.StreamDelta) error { return nil }
	if _, err := h.orch.CompleteStream(ctx, "client1", chatRequest(), sinkAll); err != nil {
		t.Fatalf("first stream: %v", err)
	}

	var got []string
	result, err := h.orch.CompleteStream(ctx, "client2", chatRequest(), func(d domain.StreamDelta) error {
		got = append(got, d.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}

	if !result.CacheHit {
		t.Error("second identical stream should hit the cache")
	}
	if len(got) != 1 || got[0] != "a jazz classic" {
		t.Errorf("cached stream deltas = %v, want one full-text delta", got)
	}
	if gpt.streamCallCount != 1 {
		t.Errorf("provider stream calls = %d, want 1", gpt.streamCallCount)
	}
}

func TestCompleteStream_ErrorBeforeFirstDeltaFailsOver(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", streamErr: errors.New("upstream 500")}
	gemini := &fakeProvider{name: "gemini", streamDeltas: []string{"fallback reply"}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, nil)

	var got []string
	result, err := h.orch.CompleteStream(context.Background(), "client1", chatRequest(), func(d domain.StreamDelta) error {
		got = append(got, d.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.UsedFallback || result.Provider != "gemini" {
		t.Errorf("result = %s fallback=%v, want gemini via fallback", result.Provider, result.UsedFallback)
	}
	if len(got) != 1 || got[0] != "fallback reply" {
		t.Errorf("deltas = %v", got)
	}
}

func TestCompleteStream_MidStreamErrorDoesNotFailOver(t *testing.T) {
	gpt := &fakeProvider{
		name:           "gpt",
		streamDeltas:   []string{"partial "},
		streamErr:      errors.New("connection reset"),
		errAfterStream: true,
	}
	gemini := &fakeProvider{name: "gemini", streamDeltas: []string{"unused"}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt, "gemini": gemini}, nil)

	_, err := h.orch.CompleteStream(context.Background(), "client1", chatRequest(), func(d domain.StreamDelta) error {
		return nil
	})
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("error = %v, want ErrProviderError", err)
	}

	if gemini.streamCallCount != 0 {
		t.Error("a stream that already delivered output must not restart on a fallback")
	}
	if got := breakerFailures(t, h.breakers, "gpt"); got != 1 {
		t.Errorf("gpt breaker failures = %d, want 1 (mid-stream failures still count)", got)
	}
}

func TestCompleteStream_SinkErrorAborts(t *testing.T) {
	gpt := &fakeProvider{name: "gpt", streamDeltas: []string{"one", "two", "three"}}
	h := newHarness(t, map[string]registry.Provider{"gpt": gpt}, nil)

	sinkErr := errors.New("client went away")
	_, err := h.orch.CompleteStream(context.Background(), "client1", chatRequest(), func(d domain.StreamDelta) error {
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("error = %v, want the sink error", err)
	}

	if got := breakerFailures(t, h.breakers, "gpt"); got != 0 {
		t.Errorf("gpt breaker failures = %d, want 0 (client write failure is not a provider failure)", got)
	}
}
