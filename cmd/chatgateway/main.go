package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunedeck/chat-gateway/internal/api"
	"github.com/tunedeck/chat-gateway/internal/cache"
	"github.com/tunedeck/chat-gateway/internal/circuitbreaker"
	"github.com/tunedeck/chat-gateway/internal/clientid"
	"github.com/tunedeck/chat-gateway/internal/config"
	"github.com/tunedeck/chat-gateway/internal/cost"
	"github.com/tunedeck/chat-gateway/internal/crypto"
	"github.com/tunedeck/chat-gateway/internal/domain"
	"github.com/tunedeck/chat-gateway/internal/httputil"
	"github.com/tunedeck/chat-gateway/internal/notifications"
	"github.com/tunedeck/chat-gateway/internal/orchestrator"
	"github.com/tunedeck/chat-gateway/internal/prompt"
	"github.com/tunedeck/chat-gateway/internal/provider/anthropic"
	"github.com/tunedeck/chat-gateway/internal/provider/bedrock"
	"github.com/tunedeck/chat-gateway/internal/provider/gemini"
	"github.com/tunedeck/chat-gateway/internal/provider/grok"
	"github.com/tunedeck/chat-gateway/internal/provider/openai"
	"github.com/tunedeck/chat-gateway/internal/queue"
	"github.com/tunedeck/chat-gateway/internal/ratelimit"
	"github.com/tunedeck/chat-gateway/internal/registry"
	"github.com/tunedeck/chat-gateway/internal/repository"
	"github.com/tunedeck/chat-gateway/internal/secrets"
	"github.com/tunedeck/chat-gateway/internal/spend"
	"github.com/tunedeck/chat-gateway/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chat gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, "chat-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	loadProviderSecrets(ctx, cfg)

	reg := buildRegistry(ctx, cfg)
	if reg.Len() == 0 {
		slog.Error("no providers configured, set at least one provider API key")
		os.Exit(1)
	}

	limitCfg := ratelimit.Config{
		MaxRequests:  cfg.RateLimitMax,
		Window:       cfg.RateLimitWindow,
		BurstSpacing: cfg.BurstSpacing,
	}
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewRedisLimiter(cfg.RedisURL, limitCfg)
		if err != nil {
			slog.Error("failed to connect to redis for rate limiter", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewInMemoryLimiter(limitCfg)
		slog.Info("using in-memory rate limiter")
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	var breakers orchestrator.Breakers
	var breakerSnapshots func(ctx context.Context) []domain.BreakerSnapshot
	var breakerReset func(provider string)
	if cfg.RedisURL != "" {
		rm, err := circuitbreaker.NewRedisManager(cfg.RedisURL, breakerCfg)
		if err != nil {
			slog.Error("failed to connect to redis for circuit breakers", "error", err)
			os.Exit(1)
		}
		breakers = rm
		breakerReset = rm.Reset
		names := reg.Names()
		breakerSnapshots = func(ctx context.Context) []domain.BreakerSnapshot {
			snaps := make([]domain.BreakerSnapshot, 0, len(names))
			for _, name := range names {
				snaps = append(snaps, rm.Snapshot(ctx, name))
			}
			return snaps
		}
		slog.Info("using redis circuit breakers")
	} else {
		m := circuitbreaker.NewManager(breakerCfg)
		breakers = m
		breakerReset = m.Reset
		breakerSnapshots = func(context.Context) []domain.BreakerSnapshot {
			return m.Snapshots()
		}
		slog.Info("using in-memory circuit breakers")
	}

	var responseCache cache.Cache
	if cfg.RedisURL != "" {
		responseCache, err = cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
			responseCache = cache.NewInMemoryCache()
		} else {
			slog.Info("using redis cache")
		}
	} else {
		responseCache = cache.NewInMemoryCache()
		slog.Info("using in-memory cache")
	}

	var tracker cost.Tracker
	if cfg.DatabaseURL != "" {
		repo, err := repository.NewPostgresUsageRepository(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		tracker = repo
		slog.Info("using postgres usage tracker")
	} else {
		tracker = cost.NewInMemoryTracker()
		slog.Info("using in-memory usage tracker")
	}

	var notifier notifications.Notifier
	if cfg.AlertTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Warn("failed to create SNS notifier, using in-memory", "error", err)
			notifier = notifications.NewInMemoryNotifier()
		}
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	guard := spend.NewGuard(tracker, cfg.SpendCeilingUSD, notifier)

	var publisher queue.Publisher
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Warn("failed to create SQS publisher, usage events disabled", "error", err)
			publisher = nil
		} else {
			slog.Info("publishing usage events", "queue", cfg.UsageQueueURL)
		}
	}

	var sealer *crypto.Sealer
	if cfg.CookieSecret != "" {
		sealer = crypto.NewSealer(cfg.CookieSecret)
	} else {
		slog.Warn("COOKIE_SECRET not set, device cookies are unsealed")
	}
	resolver := clientid.NewResolver(sealer, cfg.FingerprintAttrs)

	orch := orchestrator.New(
		reg,
		limiter,
		responseCache,
		breakers,
		guard,
		cost.NewCalculator(),
		prompt.NewBuilder("TuneDeck"),
		publisher,
		orchestrator.Options{
			FailoverEnabled:  cfg.FailoverEnabled,
			CacheTTL:         cfg.CacheTTL,
			BufferedTimeout:  cfg.BufferedTimeout,
			StreamTimeout:    cfg.StreamTimeout,
			MaxMessages:      cfg.MaxMessages,
			MaxContentLength: cfg.MaxContentLength,
		},
	)

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator:     orch,
		Resolver:         resolver,
		Registry:         reg,
		Guard:            guard,
		BreakerSnapshots: breakerSnapshots,
		BreakerReset:     breakerReset,
		AdminUser:        cfg.AdminUser,
		AdminPassHash:    cfg.AdminPassHash,
		Version:          version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := telemetryShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// loadProviderSecrets overlays API keys from Secrets Manager onto any
// provider whose key is not already set in the environment.
func loadProviderSecrets(ctx context.Context, cfg *config.Config) {
	if cfg.SecretName == "" || cfg.AWSRegion == "" {
		return
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Warn("failed to create secrets manager client", "error", err)
		return
	}

	var keys secrets.ProviderKeys
	if err := store.GetSecretJSON(ctx, cfg.SecretName, &keys); err != nil {
		slog.Warn("failed to load provider secret", "secret", cfg.SecretName, "error", err)
		return
	}

	overlay := map[string]string{
		"gpt":    keys.OpenAI,
		"gemini": keys.Gemini,
		"claude": keys.Anthropic,
		"grok":   keys.XAI,
	}
	for name, key := range overlay {
		pc := cfg.Providers[name]
		if pc.APIKey == "" && key != "" {
			pc.APIKey = key
			cfg.Providers[name] = pc
			slog.Info("loaded provider key from secrets manager", "provider", name)
		}
	}
}

func buildRegistry(ctx context.Context, cfg *config.Config) *registry.Registry {
	httpClient := httputil.DefaultClient()
	providers := make(map[string]registry.Provider)

	if pc := cfg.Providers["gpt"]; pc.APIKey != "" {
		providers["gpt"] = openai.New(pc.APIKey, pc.BaseURL, httpClient)
		slog.Info("registered provider", "provider", "gpt", "model", pc.Model)
	}
	if pc := cfg.Providers["gemini"]; pc.APIKey != "" {
		providers["gemini"] = gemini.New(pc.APIKey, pc.BaseURL, httpClient)
		slog.Info("registered provider", "provider", "gemini", "model", pc.Model)
	}
	if pc := cfg.Providers["grok"]; pc.APIKey != "" {
		providers["grok"] = grok.New(pc.APIKey, pc.BaseURL, httpClient)
		slog.Info("registered provider", "provider", "grok", "model", pc.Model)
	}

	if pc := cfg.Providers["claude"]; pc.APIKey != "" {
		providers["claude"] = anthropic.New(pc.APIKey, pc.BaseURL, httpClient)
		slog.Info("registered provider", "provider", "claude", "model", pc.Model)
	} else if cfg.BedrockEnabled && cfg.AWSRegion != "" {
		client, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("failed to create bedrock client", "error", err)
		} else {
			providers["claude"] = client
			slog.Info("registered provider", "provider", "claude", "backend", "bedrock", "model", pc.Model)
		}
	}

	return registry.New(providers, cfg.Providers, cfg.DefaultProvider)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
