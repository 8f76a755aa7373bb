package clientid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tunedeck/chat-gateway/internal/crypto"
)

func TestResolver_ValidCookie(t *testing.T) {
	sealer := crypto.NewSealer("test-secret")
	r := NewResolver(sealer, nil)

	sealed, err := sealer.Seal("device-abc")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: sealed})

	identity, cookieValue := r.Resolve(req)
	if identity.ID != "device-abc" {
		t.Errorf("ID = %q, want device-abc", identity.ID)
	}
	if identity.Fingerprinted {
		t.Error("cookie identity should not be marked fingerprinted")
	}
	if cookieValue != sealed {
		t.Error("a valid cookie should be re-issued unchanged")
	}
}

func TestResolver_MissingCookieFallsBackToFingerprint(t *testing.T) {
	r := NewResolver(crypto.NewSealer("test-secret"), nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.Header.Set("User-Agent", "TuneDeck/3.1")

	identity, cookieValue := r.Resolve(req)
	if !identity.Fingerprinted {
		t.Error("identity without a cookie should be fingerprinted")
	}
	if !strings.HasPrefix(identity.ID, "fp:") {
		t.Errorf("ID = %q, want fp: prefix", identity.ID)
	}
	if cookieValue == "" {
		t.Error("a new device token should be minted")
	}
}

func TestResolver_InvalidCookieFallsBackToFingerprint(t *testing.T) {
	r := NewResolver(crypto.NewSealer("test-secret"), nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "forged-value"})

	identity, cookieValue := r.Resolve(req)
	if !identity.Fingerprinted {
		t.Error("a forged cookie must not be trusted")
	}
	if cookieValue == "forged-value" {
		t.Error("a fresh token should replace the forged cookie")
	}
}

func TestResolver_FingerprintStableForSameAttributes(t *testing.T) {
	r := NewResolver(nil, []string{"ip", "ua"})

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.RemoteAddr = "203.0.113.9:4411"
		req.Header.Set("User-Agent", "TuneDeck/3.1")
		return req
	}

	a, _ := r.Resolve(mkReq())
	b, _ := r.Resolve(mkReq())
	if a.ID != b.ID {
		t.Errorf("same attributes produced different fingerprints: %q vs %q", a.ID, b.ID)
	}
}

func TestResolver_FingerprintVariesByIP(t *testing.T) {
	r := NewResolver(nil, []string{"ip", "ua"})

	reqA := httptest.NewRequest(http.MethodPost, "/chat", nil)
	reqA.RemoteAddr = "203.0.113.9:4411"
	reqB := httptest.NewRequest(http.MethodPost, "/chat", nil)
	reqB.RemoteAddr = "203.0.113.10:4411"

	a, _ := r.Resolve(reqA)
	b, _ := r.Resolve(reqB)
	if a.ID == b.ID {
		t.Error("different IPs should produce different fingerprints")
	}
}

func TestResolver_ForwardedForTakesPrecedence(t *testing.T) {
	r := NewResolver(nil, []string{"ip"})

	direct := httptest.NewRequest(http.MethodPost, "/chat", nil)
	direct.RemoteAddr = "10.0.0.1:1111"
	direct.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	same := httptest.NewRequest(http.MethodPost, "/chat", nil)
	same.RemoteAddr = "10.0.0.2:2222"
	same.Header.Set("X-Forwarded-For", "203.0.113.9")

	a, _ := r.Resolve(direct)
	b, _ := r.Resolve(same)
	if a.ID != b.ID {
		t.Error("the first X-Forwarded-For hop should identify the client, not the proxy address")
	}
}

func TestResolver_NilSealerPassesRawToken(t *testing.T) {
	r := NewResolver(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "raw-device-id"})

	identity, _ := r.Resolve(req)
	if identity.ID != "raw-device-id" {
		t.Errorf("ID = %q, want raw-device-id", identity.ID)
	}
}
