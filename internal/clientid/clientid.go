// Package clientid identifies the device behind a request. The primary
// identity is an HTTP-only device cookie; when it is absent or invalid the
// resolver falls back to a fingerprint of connection attributes, which is a
// lower-trust mode callers can distinguish.
package clientid

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tunedeck/chat-gateway/internal/crypto"
)

const CookieName = "td_device"

// Identity is the resolved client. Fingerprinted marks the lower-trust
// identification mode.
type Identity struct {
	ID            string
	Fingerprinted bool
}

type Resolver struct {
	sealer *crypto.Sealer // nil means cookies carry the raw token
	attrs  []string       // connection attributes folded into the fingerprint
}

// NewResolver builds a resolver. attrs selects the fingerprint inputs
// (supported: ip, ua, lang); the exact set is configuration, not contract.
func NewResolver(sealer *crypto.Sealer, attrs []string) *Resolver {
	if len(attrs) == 0 {
		attrs = []string{"ip", "ua"}
	}
	return &Resolver{sealer: sealer, attrs: attrs}
}

// Resolve returns the identity for this request plus the cookie value to
// set on the response. The cookie is re-issued on every response so
// first-time clients get one regardless of the outcome.
func (r *Resolver) Resolve(req *http.Request) (Identity, string) {
	if c, err := req.Cookie(CookieName); err == nil && c.Value != "" {
		if id, ok := r.open(c.Value); ok {
			return Identity{ID: id}, c.Value
		}
	}

	// No valid cookie: identify by fingerprint for this request, and mint
	// a device token the client will present next time.
	fp := r.fingerprint(req)
	token := uuid.New().String()
	return Identity{ID: fp, Fingerprinted: true}, r.seal(token)
}

func (r *Resolver) open(value string) (string, bool) {
	if r.sealer == nil {
		return value, true
	}
	id, err := r.sealer.Open(value)
	if err != nil {
		return "", false
	}
	return id, true
}

func (r *Resolver) seal(token string) string {
	if r.sealer == nil {
		return token
	}
	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return token
	}
	return sealed
}

func (r *Resolver) fingerprint(req *http.Request) string {
	parts := make([]string, 0, len(r.attrs))
	for _, attr := range r.attrs {
		switch attr {
		case "ip":
			parts = append(parts, clientIP(req))
		case "ua":
			parts = append(parts, req.UserAgent())
		case "lang":
			parts = append(parts, req.Header.Get("Accept-Language"))
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "fp:" + hex.EncodeToString(hash[:16])
}

func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
