package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig is the static profile for one logical provider.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
	Temperature     float64
	Fallback        string
}

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	Providers       map[string]ProviderConfig
	DefaultProvider string
	FailoverEnabled bool

	RateLimitMax     int
	RateLimitWindow  time.Duration
	BurstSpacing     time.Duration
	SpendCeilingUSD  float64
	CacheTTL         time.Duration
	BufferedTimeout  time.Duration
	StreamTimeout    time.Duration
	MaxMessages      int
	MaxContentLength int

	CookieSecret     string
	FingerprintAttrs []string

	OTLPEndpoint   string
	AWSRegion      string
	BedrockEnabled bool
	SecretName     string
	AlertTopicARN  string
	UsageQueueURL  string
	AdminUser      string
	AdminPassHash  string

	ShutdownTimeout time.Duration
}

// defaultFallbacks is the documented failover ordering. It is a directed
// mapping, not a priority list: each provider names at most one fallback.
var defaultFallbacks = map[string]string{
	"gpt":    "gemini",
	"gemini": "claude",
	"claude": "grok",
	"grok":   "",
}

var defaultModels = map[string]string{
	"gpt":    "gpt-4o",
	"gemini": "gemini-2.0-flash",
	"claude": "claude-3-5-sonnet-20241022",
	"grok":   "grok-2-latest",
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DefaultProvider:  getEnv("DEFAULT_PROVIDER", "gpt"),
		FailoverEnabled:  getEnv("FAILOVER_ENABLED", "true") == "true",
		RateLimitMax:     getIntEnv("RATE_LIMIT_MAX", 20),
		RateLimitWindow:  getDurationEnv("RATE_LIMIT_WINDOW", 5*time.Minute),
		BurstSpacing:     getMillisEnv("BURST_SPACING_MS", 500*time.Millisecond),
		SpendCeilingUSD:  getFloatEnv("SPEND_CEILING_USD", 50),
		CacheTTL:         getDurationEnv("CACHE_TTL", time.Hour),
		BufferedTimeout:  getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		StreamTimeout:    getDurationEnv("STREAM_TIMEOUT", 120*time.Second),
		MaxMessages:      getIntEnv("MAX_MESSAGES", 40),
		MaxContentLength: getIntEnv("MAX_CONTENT_LENGTH", 8000),
		CookieSecret:     getEnv("COOKIE_SECRET", ""),
		FingerprintAttrs: splitList(getEnv("FINGERPRINT_ATTRS", "ip,ua")),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		BedrockEnabled:   getEnv("BEDROCK_ENABLED", "false") == "true",
		SecretName:       getEnv("PROVIDER_SECRET_NAME", ""),
		AlertTopicARN:    getEnv("ALERT_TOPIC_ARN", ""),
		UsageQueueURL:    getEnv("USAGE_QUEUE_URL", ""),
		AdminUser:        getEnv("ADMIN_USER", ""),
		AdminPassHash:    getEnv("ADMIN_PASSWORD_HASH", ""),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	cfg.Providers = loadProviders()

	return cfg, nil
}

func loadProviders() map[string]ProviderConfig {
	keyEnv := map[string]string{
		"gpt":    "OPENAI_API_KEY",
		"gemini": "GEMINI_API_KEY",
		"claude": "ANTHROPIC_API_KEY",
		"grok":   "XAI_API_KEY",
	}
	baseEnv := map[string]string{
		"gpt":    "OPENAI_BASE_URL",
		"gemini": "GEMINI_BASE_URL",
		"claude": "ANTHROPIC_BASE_URL",
		"grok":   "XAI_BASE_URL",
	}

	providers := make(map[string]ProviderConfig, len(keyEnv))
	for name := range keyEnv {
		upper := strings.ToUpper(name)
		providers[name] = ProviderConfig{
			APIKey:          getEnv(keyEnv[name], ""),
			BaseURL:         getEnv(baseEnv[name], ""),
			Model:           getEnv("MODEL_"+upper, defaultModels[name]),
			MaxOutputTokens: getIntEnv("MAX_OUTPUT_TOKENS_"+upper, 1024),
			Temperature:     getFloatEnv("TEMPERATURE_"+upper, 0.7),
			Fallback:        getEnv("FALLBACK_"+upper, defaultFallbacks[name]),
		}
	}

	return providers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
