// Package cache stores replies keyed by a semantic fingerprint of the
// request. Only tool-free responses are ever written (the orchestrator
// enforces this): tool results are situational and must not be replayed.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

// Entry is one cached reply.
type Entry struct {
	Text      string    `json:"text"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

// Mode labels the conversation setting derived from context. Different
// modes produce different system instructions, so they must not share
// cache entries.
func Mode(pc *domain.PlayerContext) string {
	switch {
	case pc == nil:
		return "general"
	case pc.TrackID != "":
		return "now-playing"
	case pc.View != "":
		return "browse"
	default:
		return "general"
	}
}

// Fingerprint derives the deterministic cache key. Every input that
// influences the generated system instructions is folded in: the normalized
// message list, the mode label, and a signature over the remaining context
// and personalization fields.
func Fingerprint(req *domain.ChatRequest) string {
	payload, _ := json.Marshal(struct {
		Messages  []domain.Message `json:"messages"`
		Mode      string           `json:"mode"`
		Signature string           `json:"signature"`
	}{
		Messages:  normalizeMessages(req.Messages),
		Mode:      Mode(req.Context),
		Signature: contextSignature(req.Context, req.Personalization),
	})

	hash := sha256.Sum256(payload)
	return "chat:" + hex.EncodeToString(hash[:])
}

func normalizeMessages(messages []domain.Message) []domain.Message {
	normalized := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		normalized = append(normalized, domain.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: content,
		})
	}
	return normalized
}

func contextSignature(pc *domain.PlayerContext, p *domain.Personalization) string {
	payload, _ := json.Marshal(struct {
		Context         *domain.PlayerContext   `json:"context,omitempty"`
		Personalization *domain.Personalization `json:"personalization,omitempty"`
	}{pc, p})

	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
}

type cacheItem struct {
	entry     Entry
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	entry := item.entry
	return &entry, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		entry:     entry,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}
