// Package prompt assembles the system instructions sent to providers. The
// gateway treats the content as opaque; what matters upstream is that every
// input that changes the output here is also part of the cache fingerprint.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tunedeck/chat-gateway/internal/domain"
)

type Builder struct {
	appName string
}

func NewBuilder(appName string) *Builder {
	return &Builder{appName: appName}
}

func (b *Builder) Build(pc *domain.PlayerContext, p *domain.Personalization) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are the music assistant for %s. Keep answers concise and grounded in the listener's current session.", b.appName)

	if pc != nil {
		if pc.TrackID != "" {
			fmt.Fprintf(&sb, "\nNow playing: %q by %s (track %s).", pc.TrackTitle, pc.Artist, pc.TrackID)
		}
		if pc.View != "" {
			fmt.Fprintf(&sb, "\nThe listener is on the %s view.", pc.View)
		}
	}

	if p != nil {
		if p.DisplayName != "" {
			fmt.Fprintf(&sb, "\nAddress the listener as %s.", p.DisplayName)
		}
		if len(p.FavoriteGenres) > 0 {
			fmt.Fprintf(&sb, "\nTheir favorite genres: %s.", strings.Join(p.FavoriteGenres, ", "))
		}
		if p.Tone != "" {
			fmt.Fprintf(&sb, "\nPreferred tone: %s.", p.Tone)
		}
	}

	return sb.String()
}
