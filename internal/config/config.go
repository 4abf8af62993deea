package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the reservation engine.
type Config struct {
	Port     int
	Version  string
	Timezone string

	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Breaker   BreakerConfig
	Payment   PaymentConfig
	Flow      FlowConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
	CORS      CORSConfig
	SeedDemo  bool
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store with snapshot persistence.
	URL            string
	MaxConnections int
	SnapshotPath   string
}

type RedisConfig struct {
	// URL empty selects the in-process TTL map.
	URL string
	DB  int
}

type LLMConfig struct {
	Provider    string // openai | anthropic | ollama
	Endpoint    string
	Model       string
	APIKey      string
	Deadline    time.Duration // Tier-3 sub-deadline
	MaxInflight int           // rejecting semaphore size
}

type BreakerConfig struct {
	Failures int           // consecutive failures to open
	Timeout  time.Duration // OPEN hold time
	Probes   int           // consecutive half-open successes to close
}

type PaymentConfig struct {
	BaseURL     string
	PublicKey   string
	PrivateKey  string
	RedirectURL string
}

type FlowConfig struct {
	MessageDeadline time.Duration // whole-message budget
	StockDeadline   time.Duration // stock transaction budget
	ContextTTL      time.Duration // conversation sliding TTL
	RetryBudget     int           // confirm attempts before giving up
}

type NotifyConfig struct {
	// WebhookURL empty leaves only the log sink active.
	WebhookURL    string
	WebhookSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type CORSConfig struct {
	Origins []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("PORT", 8080),
		Version:  envStr("ENGINE_VERSION", "0.4.0"),
		Timezone: envStr("TIMEZONE", "America/Bogota"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			SnapshotPath:   envStr("SNAPSHOT_PATH", "./data/engine.json"),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
			DB:  envInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			Provider:    envStr("LLM_PROVIDER", "ollama"),
			Endpoint:    envStr("LLM_ENDPOINT", ""),
			Model:       envStr("LLM_MODEL", ""),
			APIKey:      envStr("LLM_API_KEY", ""),
			Deadline:    envDur("LLM_DEADLINE", 4*time.Second),
			MaxInflight: envInt("LLM_MAX_INFLIGHT", 32),
		},
		Breaker: BreakerConfig{
			Failures: envInt("BREAKER_FAILURES", 5),
			Timeout:  envDur("BREAKER_TIMEOUT", 60*time.Second),
			Probes:   envInt("BREAKER_PROBES", 2),
		},
		Payment: PaymentConfig{
			BaseURL:     envStr("PAYMENT_BASE_URL", ""),
			PublicKey:   envStr("PAYMENT_PUBLIC_KEY", ""),
			PrivateKey:  envStr("PAYMENT_PRIVATE_KEY", ""),
			RedirectURL: envStr("PAYMENT_REDIRECT_URL", ""),
		},
		Flow: FlowConfig{
			MessageDeadline: envDur("MESSAGE_DEADLINE", 8*time.Second),
			StockDeadline:   envDur("STOCK_TX_DEADLINE", 2*time.Second),
			ContextTTL:      envDur("CONTEXT_TTL", 30*time.Minute),
			RetryBudget:     envInt("RETRY_BUDGET", 3),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("LOW_STOCK_WEBHOOK_URL", ""),
			WebhookSecret: envStr("LOW_STOCK_WEBHOOK_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "cupo-engine"),
		},
		CORS: CORSConfig{
			Origins: splitCSV(envStr("CORS_ORIGINS", "*")),
		},
		SeedDemo: envBool("SEED_DEMO", true),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
