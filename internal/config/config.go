package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the AdPilot execution pipeline.
type Config struct {
	Port        int
	Version     string
	Database    DatabaseConfig
	Telemetry   TelemetryConfig
	Vault       VaultConfig
	Executor    ExecutorConfig
	Idempotency IdempotencyConfig
	Approvals   ApprovalConfig
	Retention   RetentionConfig
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the in-memory
	// store with file-based snapshot persistence (local dev, tests).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type VaultConfig struct {
	// EncryptionKey must decode to exactly 32 bytes (AES-256). Held in the
	// environment, never in the data store.
	EncryptionKey string
}

type ExecutorConfig struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type IdempotencyConfig struct {
	TTL time.Duration
}

type ApprovalConfig struct {
	// MaxWait bounds how long a saga step may sit in pending_approval
	// before it fails with approval_expired. Zero disables expiry.
	MaxWait time.Duration
}

type RetentionConfig struct {
	SweepInterval time.Duration
	ResolvedTTL   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ADPILOT_PORT", 8080),
		Version: envStr("ADPILOT_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "adpilot-control-plane"),
		},
		Vault: VaultConfig{
			EncryptionKey: envStr("ADPILOT_VAULT_KEY", ""),
		},
		Executor: ExecutorConfig{
			MaxAttempts:      envInt("EXECUTOR_MAX_ATTEMPTS", 4),
			InitialBackoff:   envDuration("EXECUTOR_INITIAL_BACKOFF", 250*time.Millisecond),
			MaxBackoff:       envDuration("EXECUTOR_MAX_BACKOFF", 10*time.Second),
			CallTimeout:      envDuration("EXECUTOR_CALL_TIMEOUT", 30*time.Second),
			BreakerThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerCooldown:  envDuration("BREAKER_COOLDOWN", 60*time.Second),
		},
		Idempotency: IdempotencyConfig{
			TTL: envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Approvals: ApprovalConfig{
			MaxWait: envDuration("APPROVAL_MAX_WAIT", 72*time.Hour),
		},
		Retention: RetentionConfig{
			SweepInterval: envDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
			ResolvedTTL:   envDuration("RETENTION_RESOLVED_TTL", 30*24*time.Hour),
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
