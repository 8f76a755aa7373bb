package domain

import "time"

// Message is one turn of the conversation. Order is significant; roles are
// expected to alternate user/assistant but this is not enforced.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlayerContext carries the playback/page state the client was in when it
// sent the request. These fields feed the system instructions, so they are
// part of the cache fingerprint.
type PlayerContext struct {
	TrackID    string `json:"trackId,omitempty"`
	TrackTitle string `json:"trackTitle,omitempty"`
	Artist     string `json:"artist,omitempty"`
	View       string `json:"view,omitempty"`
}

// Personalization is the optional per-user tuning block.
type Personalization struct {
	DisplayName    string   `json:"displayName,omitempty"`
	FavoriteGenres []string `json:"favoriteGenres,omitempty"`
	Tone           string   `json:"tone,omitempty"`
}

// ChatRequest is the inbound body for both /chat and /chat/stream.
type ChatRequest struct {
	Messages        []Message        `json:"messages"`
	Context         *PlayerContext   `json:"context,omitempty"`
	ModelPreference string           `json:"modelPreference,omitempty"`
	Personalization *Personalization `json:"personalization,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatResult is the buffered response body. The streaming endpoint delivers
// the same information as a delta stream followed by a finish event.
type ChatResult struct {
	Reply        string   `json:"reply"`
	Model        string   `json:"model"`
	Provider     string   `json:"provider"`
	UsedFallback bool     `json:"usedFallback,omitempty"`
	CacheHit     bool     `json:"cacheHit,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
	ToolUsage    []string `json:"toolUsage,omitempty"`
	RequestID    string   `json:"requestId,omitempty"`
	LatencyMs    int64    `json:"latencyMs,omitempty"`
}

// CompletionRequest is the provider-facing request after the orchestrator
// has resolved model settings and built system instructions.
type CompletionRequest struct {
	System          string
	Messages        []Message
	Model           string
	MaxOutputTokens int
	Temperature     float64
}

// Completion is a provider's buffered answer.
type Completion struct {
	Text      string
	Usage     Usage
	ToolsUsed []string
}

// StreamDelta is one incremental chunk of streamed text.
type StreamDelta struct {
	Text string `json:"text"`
}

// StreamEnd terminates a provider stream. Err is non-nil when the stream
// failed, including mid-stream after deltas were already delivered.
type StreamEnd struct {
	Usage     Usage
	ToolsUsed []string
	Err       error
}

// BreakerSnapshot is the observable state of one provider's circuit breaker.
type BreakerSnapshot struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	LastFailureReason   string     `json:"lastFailureReason,omitempty"`
}
