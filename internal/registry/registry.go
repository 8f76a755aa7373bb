// Package registry maps logical provider names to concrete model handles,
// their settings, and their fallback provider. Availability is decided at
// request time: a provider without a credential is skipped, never reported
// as a provider failure.
package registry

import (
	"context"
	"fmt"

	"github.com/tunedeck/chat-gateway/internal/config"
	"github.com/tunedeck/chat-gateway/internal/domain"
)

// Provider is the upstream client contract. Stream delivers incremental
// deltas and exactly one StreamEnd on the final channel.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error)
	Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, <-chan domain.StreamEnd)
}

// Profile is the immutable per-provider configuration.
type Profile struct {
	Name            string
	Model           string
	MaxOutputTokens int
	Temperature     float64
	Fallback        string
}

// Resolved pairs a usable provider with its settings.
type Resolved struct {
	Provider Provider
	Profile  Profile
}

type Registry struct {
	providers       map[string]Provider
	profiles        map[string]Profile
	defaultProvider string
}

func New(providers map[string]Provider, cfgs map[string]config.ProviderConfig, defaultProvider string) *Registry {
	profiles := make(map[string]Profile, len(cfgs))
	for name, pc := range cfgs {
		profiles[name] = Profile{
			Name:            name,
			Model:           pc.Model,
			MaxOutputTokens: pc.MaxOutputTokens,
			Temperature:     pc.Temperature,
			Fallback:        pc.Fallback,
		}
	}

	return &Registry{
		providers:       providers,
		profiles:        profiles,
		defaultProvider: defaultProvider,
	}
}

// Resolve returns the provider that should serve the request. An explicit
// preference for an unconfigured provider is a configuration error; with no
// preference the registry downgrades along the default fallback chain until
// it finds a configured provider.
func (r *Registry) Resolve(preferred string) (*Resolved, error) {
	if preferred != "" {
		return r.resolveExact(preferred)
	}

	name := r.defaultProvider
	seen := make(map[string]bool)
	for name != "" && !seen[name] {
		seen[name] = true
		if res, err := r.resolveExact(name); err == nil {
			return res, nil
		}
		name = r.profiles[name].Fallback
	}

	return nil, domain.ErrNoProvider
}

// ResolveFallback walks the directed fallback mapping from the active
// provider, skipping the active provider itself and anything without
// credentials. Returns nil when no viable fallback exists.
func (r *Registry) ResolveFallback(active string) *Resolved {
	profile, ok := r.profiles[active]
	if !ok {
		return nil
	}

	name := profile.Fallback
	seen := map[string]bool{active: true}
	for name != "" && !seen[name] {
		seen[name] = true
		if res, err := r.resolveExact(name); err == nil {
			return res
		}
		name = r.profiles[name].Fallback
	}

	return nil
}

func (r *Registry) resolveExact(name string) (*Resolved, error) {
	profile, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrProviderNotConfigured, name)
	}

	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no credential", domain.ErrProviderNotConfigured, name)
	}

	return &Resolved{Provider: provider, Profile: profile}, nil
}

// Names lists the configured (credentialed) providers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Len() int {
	return len(r.providers)
}
