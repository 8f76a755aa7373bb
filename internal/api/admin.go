package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin gates the admin surface behind basic auth. The password is
// stored as a bcrypt hash; with no admin user configured the surface is
// disabled entirely.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminUser == "" || h.adminPassHash == "" {
			http.NotFound(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.adminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(h.adminPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="chat-gateway admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}

		next(w, r)
	}
}

func (h *Handler) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.breakerSnapshots == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"breakers": nil})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"breakers": h.breakerSnapshots(r.Context()),
	})
}

func (h *Handler) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing provider")
		return
	}

	if h.breakerReset != nil {
		h.breakerReset(provider)
	}

	slog.Info("circuit breaker reset", "provider", provider)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": provider,
		"state":    "closed",
	})
}

func (h *Handler) handleAdminSpend(w http.ResponseWriter, r *http.Request) {
	total, ceiling := h.guard.Snapshot(r.Context())

	ratio := 0.0
	if ceiling > 0 {
		ratio = total / ceiling
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_usd":   total,
		"ceiling_usd": ceiling,
		"usage_ratio": ratio,
	})
}
