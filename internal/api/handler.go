// Package api is the HTTP surface of the gateway: the chat endpoints,
// health probes, Prometheus metrics, and the admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunedeck/chat-gateway/internal/clientid"
	"github.com/tunedeck/chat-gateway/internal/domain"
	"github.com/tunedeck/chat-gateway/internal/orchestrator"
	"github.com/tunedeck/chat-gateway/internal/registry"
	"github.com/tunedeck/chat-gateway/internal/spend"
)

const cookieMaxAge = 365 * 24 * 60 * 60

type HandlerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Resolver     *clientid.Resolver
	Registry     *registry.Registry
	Guard        *spend.Guard

	BreakerSnapshots func(ctx context.Context) []domain.BreakerSnapshot
	BreakerReset     func(provider string)

	AdminUser     string
	AdminPassHash string
	Version       string
}

type Handler struct {
	orchestrator *orchestrator.Orchestrator
	resolver     *clientid.Resolver
	registry     *registry.Registry
	guard        *spend.Guard

	breakerSnapshots func(ctx context.Context) []domain.BreakerSnapshot
	breakerReset     func(provider string)

	adminUser     string
	adminPassHash string
	version       string

	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orchestrator:     cfg.Orchestrator,
		resolver:         cfg.Resolver,
		registry:         cfg.Registry,
		guard:            cfg.Guard,
		breakerSnapshots: cfg.BreakerSnapshots,
		breakerReset:     cfg.BreakerReset,
		adminUser:        cfg.AdminUser,
		adminPassHash:    cfg.AdminPassHash,
		version:          cfg.Version,
		mux:              http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /chat", h.handleChat)
	h.mux.HandleFunc("POST /chat/stream", h.handleChatStream)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.mux.HandleFunc("GET /admin/breakers", h.requireAdmin(h.handleAdminBreakers))
	h.mux.HandleFunc("POST /admin/breakers/{provider}/reset", h.requireAdmin(h.handleAdminBreakerReset))
	h.mux.HandleFunc("GET /admin/spend", h.requireAdmin(h.handleAdminSpend))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	identity, cookieValue := h.resolver.Resolve(r)
	setDeviceCookie(w, cookieValue)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	result, err := h.orchestrator.Complete(r.Context(), identity.ID, &req)
	if err != nil {
		h.writeChatError(w, err, identity.ID)
		return
	}

	slog.Info("chat completed",
		"request_id", result.RequestID,
		"client_id", identity.ID,
		"provider", result.Provider,
		"model", result.Model,
		"cache_hit", result.CacheHit,
		"used_fallback", result.UsedFallback,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", result.RequestID)
	if result.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(result)
}

// streamFinish is the terminal SSE event carrying the reply metadata the
// buffered endpoint would have returned in its body.
type streamFinish struct {
	Done         bool          `json:"done"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	UsedFallback bool          `json:"usedFallback,omitempty"`
	CacheHit     bool          `json:"cacheHit,omitempty"`
	Usage        *domain.Usage `json:"usage,omitempty"`
	RequestID    string        `json:"requestId,omitempty"`
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	identity, cookieValue := h.resolver.Resolve(r)
	setDeviceCookie(w, cookieValue)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	// SSE headers are written lazily on the first delta so that everything
	// that fails before streaming starts still gets a proper status code.
	headersSent := false
	sink := func(delta domain.StreamDelta) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}

		data, err := json.Marshal(delta)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.orchestrator.CompleteStream(r.Context(), identity.ID, &req, sink)
	if err != nil {
		if !headersSent {
			h.writeChatError(w, err, identity.ID)
			return
		}

		// Mid-stream failure: the status line is gone, all we can do is
		// signal the client in-band.
		slog.Error("stream aborted", "error", err, "client_id", identity.ID)
		payload, _ := json.Marshal(map[string]string{"error": "stream interrupted"})
		w.Write([]byte("data: " + string(payload) + "\n\n"))
		flusher.Flush()
		return
	}

	finish := streamFinish{
		Done:         true,
		Model:        result.Model,
		Provider:     result.Provider,
		UsedFallback: result.UsedFallback,
		CacheHit:     result.CacheHit,
		Usage:        result.Usage,
		RequestID:    result.RequestID,
	}
	payload, _ := json.Marshal(finish)
	w.Write([]byte("data: " + string(payload) + "\n\n"))
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	slog.Info("stream completed",
		"request_id", result.RequestID,
		"client_id", identity.ID,
		"provider", result.Provider,
		"model", result.Model,
		"cache_hit", result.CacheHit,
		"used_fallback", result.UsedFallback,
		"latency_ms", result.LatencyMs,
	)
}

func (h *Handler) writeChatError(w http.ResponseWriter, err error, clientID string) {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) {
		seconds := rle.RemainingMs / 1000
		if rle.RemainingMs%1000 != 0 || seconds == 0 {
			seconds++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	status, errType := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("chat request failed", "error", err, "client_id", clientID)
	} else {
		slog.Warn("chat request rejected", "error", err, "client_id", clientID, "type", errType)
	}

	writeError(w, status, errType, publicMessage(err, errType))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrSpendLimit):
		return http.StatusPaymentRequired, "spend_limit"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return http.StatusInternalServerError, "not_configured"
	case errors.Is(err, domain.ErrNoProvider):
		return http.StatusServiceUnavailable, "no_provider"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrProviderError), errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage keeps provider error bodies out of client responses.
func publicMessage(err error, errType string) string {
	switch errType {
	case "invalid_request", "rate_limited", "spend_limit":
		return err.Error()
	case "timeout":
		return "the assistant took too long to respond"
	case "provider_error":
		return "the assistant is temporarily unavailable"
	case "no_provider":
		return "no assistant backend is available"
	default:
		return "internal error"
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"version":   h.version,
		"providers": h.registry.Names(),
	}
	if h.breakerSnapshots != nil {
		resp["circuit_breakers"] = h.breakerSnapshots(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if h.registry.Len() == 0 {
		writeError(w, http.StatusServiceUnavailable, "no_provider", "no provider configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func setDeviceCookie(w http.ResponseWriter, value string) {
	if value == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     clientid.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
