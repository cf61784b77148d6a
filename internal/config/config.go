package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Plansmith generation engine.
type Config struct {
	Port       int
	Version    string
	Database   DatabaseConfig
	Redis      RedisConfig
	Model      ModelConfig
	Search     SearchConfig
	Billing    BillingConfig
	Limits     LimitsConfig
	Pipeline   PipelineConfig
	Guardrails GuardrailsConfig
	Retention  RetentionConfig
	Telemetry  TelemetryConfig
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string
	Path   string
}

type RedisConfig struct {
	// URL of the shared rate-limit ledger. Empty = use the database ledger.
	URL string
}

type ModelConfig struct {
	Endpoint          string
	APIKey            string
	Name              string
	MaxTokens         int
	RequestsPerSecond float64
}

type SearchConfig struct {
	Endpoint   string
	APIKey     string
	MaxResults int
}

type BillingConfig struct {
	Endpoint string
	APIKey   string
}

type LimitsConfig struct {
	AuthenticatedPerWindow int
	AnonymousPerWindow     int
	Window                 time.Duration
}

type PipelineConfig struct {
	MaxToolRounds    int
	PromptTimeout    time.Duration
	ModelCallTimeout time.Duration
	// RunRetention is how long a finished run stays pollable in memory.
	RunRetention time.Duration
}

type GuardrailsConfig struct {
	// Sensitivity is "low", "medium", or "high".
	Sensitivity   string
	MaxCharacters int
	MaxWords      int
	// BlockedWords is a comma-separated deny list.
	BlockedWords string
}

type RetentionConfig struct {
	Interval        time.Duration
	JobRetention    time.Duration
	ArchivePath     string
	ArchiveCompress bool
	// ArchiveEnabled gates archive-then-purge; when false expired jobs are
	// purged directly.
	ArchiveEnabled bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PLANSMITH_PORT", 8080),
		Version: envStr("PLANSMITH_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			Driver: envStr("PLANSMITH_DB_DRIVER", "sqlite"),
			Path:   envStr("PLANSMITH_DB_PATH", "data/plansmith.db"),
		},
		Redis: RedisConfig{
			URL: envStr("PLANSMITH_REDIS_URL", ""),
		},
		Model: ModelConfig{
			Endpoint:          envStr("PLANSMITH_MODEL_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:            envStr("PLANSMITH_MODEL_API_KEY", ""),
			Name:              envStr("PLANSMITH_MODEL", "gpt-4o-mini"),
			MaxTokens:         envInt("PLANSMITH_MODEL_MAX_TOKENS", 4096),
			RequestsPerSecond: envFloat("PLANSMITH_MODEL_RPS", 5),
		},
		Search: SearchConfig{
			Endpoint:   envStr("PLANSMITH_SEARCH_ENDPOINT", ""),
			APIKey:     envStr("PLANSMITH_SEARCH_API_KEY", ""),
			MaxResults: envInt("PLANSMITH_SEARCH_MAX_RESULTS", 5),
		},
		Billing: BillingConfig{
			Endpoint: envStr("PLANSMITH_BILLING_ENDPOINT", ""),
			APIKey:   envStr("PLANSMITH_BILLING_API_KEY", ""),
		},
		Limits: LimitsConfig{
			AuthenticatedPerWindow: envInt("PLANSMITH_LIMIT_AUTHENTICATED", 30),
			AnonymousPerWindow:     envInt("PLANSMITH_LIMIT_ANONYMOUS", 5),
			Window:                 envDuration("PLANSMITH_LIMIT_WINDOW", time.Hour),
		},
		Pipeline: PipelineConfig{
			MaxToolRounds:    envInt("PLANSMITH_MAX_TOOL_ROUNDS", 10),
			PromptTimeout:    envDuration("PLANSMITH_PROMPT_TIMEOUT", 5*time.Minute),
			ModelCallTimeout: envDuration("PLANSMITH_MODEL_CALL_TIMEOUT", 2*time.Minute),
			RunRetention:     envDuration("PLANSMITH_RUN_RETENTION", 5*time.Minute),
		},
		Guardrails: GuardrailsConfig{
			Sensitivity:   envStr("PLANSMITH_GUARDRAILS_SENSITIVITY", "medium"),
			MaxCharacters: envInt("PLANSMITH_PROMPT_MAX_CHARS", 20000),
			MaxWords:      envInt("PLANSMITH_PROMPT_MAX_WORDS", 4000),
			BlockedWords:  envStr("PLANSMITH_BLOCKED_WORDS", ""),
		},
		Retention: RetentionConfig{
			Interval:        envDuration("PLANSMITH_RETENTION_INTERVAL", time.Hour),
			JobRetention:    envDuration("PLANSMITH_JOB_RETENTION", 720*time.Hour),
			ArchivePath:     envStr("PLANSMITH_ARCHIVE_PATH", ""),
			ArchiveCompress: envBool("PLANSMITH_ARCHIVE_COMPRESS", true),
			ArchiveEnabled:  envBool("PLANSMITH_ARCHIVE_ENABLED", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "plansmith-engine"),
		},
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
