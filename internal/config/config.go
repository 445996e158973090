// Package config loads AXM configuration from defaults, a YAML file and the
// environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/axm/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration. A missing .env file is not an error.
// path may be empty, in which case AXM_CONFIG is consulted.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg := domain.DefaultConfig()
	if getEnv("AXM_TIER", "") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv("AXM_CONFIG")
	}
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnv(cfg)

	if err := cfg.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("scoring config: %w", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays a YAML file on cfg. ${VAR} references are expanded.
func LoadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with AXM_* environment variables.
func ApplyEnv(cfg *domain.Config) {
	cfg.Server.Host = getEnv("AXM_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("AXM_PORT", cfg.Server.Port)
	cfg.Server.RateLimit = getEnvFloat("AXM_RATE_LIMIT", cfg.Server.RateLimit)
	if origins := os.Getenv("AXM_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	cfg.Repository.Driver = getEnv("AXM_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("AXM_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("AXM_PG_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("AXM_PG_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("AXM_PG_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("AXM_PG_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("AXM_PG_DB", cfg.Repository.PostgresDB)

	cfg.Cache.Type = getEnv("AXM_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("AXM_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("AXM_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.Type = getEnv("AXM_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("AXM_NATS_URL", cfg.EventBus.NATSUrl)
	if brokers := os.Getenv("AXM_KAFKA_BROKERS"); brokers != "" {
		cfg.EventBus.KafkaBrokers = splitList(brokers)
	}
	cfg.EventBus.KafkaGroupID = getEnv("AXM_KAFKA_GROUP", cfg.EventBus.KafkaGroupID)

	cfg.Normalizer.ClockSkew = getEnvDuration("AXM_CLOCK_SKEW", cfg.Normalizer.ClockSkew)
	cfg.Ledger.RetentionPeriod = getEnvDuration("AXM_RETENTION_PERIOD", cfg.Ledger.RetentionPeriod)
	cfg.Ledger.HistoryWindow = getEnvDuration("AXM_HISTORY_WINDOW", cfg.Ledger.HistoryWindow)
	cfg.Dispatch.Timeout = getEnvDuration("AXM_DISPATCH_TIMEOUT", cfg.Dispatch.Timeout)
	cfg.Dispatch.MaxAttempts = getEnvInt("AXM_DISPATCH_ATTEMPTS", cfg.Dispatch.MaxAttempts)

	cfg.Rules.SeedDefaults = getEnvBool("AXM_SEED_RULES", cfg.Rules.SeedDefaults)
	cfg.Rules.PackPath = getEnv("AXM_RULE_PACK", cfg.Rules.PackPath)
	cfg.Rules.BatchWorkers = getEnvInt("AXM_BATCH_WORKERS", cfg.Rules.BatchWorkers)

	if getEnvBool("AXM_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Level = getEnv("AXM_LOG_LEVEL", cfg.Logging.Level)
	cfg.Tracing.Enabled = getEnvBool("AXM_TRACING", cfg.Tracing.Enabled)
}

// LogLevel maps the configured level name to a slog level.
func LogLevel(cfg *domain.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
