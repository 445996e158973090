package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete AXM configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which backing services are used
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Pipeline
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Policy     PolicyConfig     `yaml:"policy"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Rules      RulesConfig      `yaml:"rules"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimit      float64  `yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst      int      `yaml:"rate_burst"`
	MaxBatchSize   int      `yaml:"max_batch_size"`
}

// NormalizerConfig controls claim normalization.
type NormalizerConfig struct {
	ClockSkew       time.Duration `yaml:"clock_skew"`
	DefaultCurrency string        `yaml:"default_currency"`
}

// ScoringConfig holds category weights and the critical floor.
type ScoringConfig struct {
	CategoryWeights  map[Category]float64 `yaml:"category_weights"`
	CriticalFloor    int                  `yaml:"critical_floor"`
	CriticalMinGrade float64              `yaml:"critical_min_grade"`
}

// Validate checks that category weights cover known categories and sum to 1.0.
func (c ScoringConfig) Validate() error {
	sum := 0.0
	for cat, w := range c.CategoryWeights {
		if !cat.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, cat)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidInput, cat)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: category weights sum to %.4f, want 1.0", ErrInvalidInput, sum)
	}
	if c.CriticalFloor < 0 || c.CriticalFloor > 100 {
		return fmt.Errorf("%w: critical floor %d outside [0,100]", ErrInvalidInput, c.CriticalFloor)
	}
	return nil
}

// PolicyConfig holds decision thresholds on the composite score.
type PolicyConfig struct {
	EscalateAt         int     `yaml:"escalate_at"`
	InvestigateAt      int     `yaml:"investigate_at"`
	MonitorAt          int     `yaml:"monitor_at"`
	DocumentaryMinimum float64 `yaml:"documentary_minimum"`
}

// Validate checks that 0 <= monitor <= investigate <= escalate <= 100 and that
// the documentary minimum is a grade in [0,100].
func (c PolicyConfig) Validate() error {
	if c.MonitorAt < 0 || c.EscalateAt > 100 {
		return fmt.Errorf("%w: thresholds must lie in [0,100]", ErrInvalidInput)
	}
	if c.MonitorAt > c.InvestigateAt || c.InvestigateAt > c.EscalateAt {
		return fmt.Errorf("%w: thresholds out of order: monitor %d, investigate %d, escalate %d",
			ErrInvalidInput, c.MonitorAt, c.InvestigateAt, c.EscalateAt)
	}
	if c.DocumentaryMinimum < 0 || c.DocumentaryMinimum > 100 {
		return fmt.Errorf("%w: documentary minimum %.1f outside [0,100]", ErrInvalidInput, c.DocumentaryMinimum)
	}
	return nil
}

// LedgerConfig controls case retention and entity history windows.
type LedgerConfig struct {
	HistoryWindow   time.Duration `yaml:"history_window"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	LockStripes     int           `yaml:"lock_stripes"`
}

// DispatchConfig controls calls to external collaborators.
type DispatchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	QueueSize   int           `yaml:"queue_size"`
	Workers     int           `yaml:"workers"`
	RatePerSec  float64       `yaml:"rate_per_sec"`
	Burst       int           `yaml:"burst"`
}

// RulesConfig controls how the registry is seeded.
type RulesConfig struct {
	SeedDefaults bool   `yaml:"seed_defaults"`
	PackPath     string `yaml:"pack_path"`
	BatchWorkers int    `yaml:"batch_workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and an in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultCategoryWeights returns the composite weights per category.
func DefaultCategoryWeights() map[Category]float64 {
	return map[Category]float64{
		CategoryFinancial:   0.30,
		CategoryBehavioral:  0.25,
		CategoryRelational:  0.20,
		CategoryTemporal:    0.15,
		CategoryDocumentary: 0.10,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			AllowedOrigins: []string{"*"},
			RateLimit:      50,
			RateBurst:      100,
			MaxBatchSize:   1000,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./axm.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Normalizer: NormalizerConfig{
			ClockSkew:       5 * time.Minute,
			DefaultCurrency: "MAD",
		},
		Scoring: ScoringConfig{
			CategoryWeights:  DefaultCategoryWeights(),
			CriticalFloor:    90,
			CriticalMinGrade: 90,
		},
		Policy: PolicyConfig{
			EscalateAt:         90,
			InvestigateAt:      70,
			MonitorAt:          50,
			DocumentaryMinimum: 80,
		},
		Ledger: LedgerConfig{
			HistoryWindow:   365 * 24 * time.Hour,
			RetentionPeriod: 90 * 24 * time.Hour,
			SweepInterval:   time.Hour,
			LockStripes:     64,
		},
		Dispatch: DispatchConfig{
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			QueueSize:   4096,
			Workers:     4,
			RatePerSec:  200,
			Burst:       50,
		},
		Rules: RulesConfig{
			SeedDefaults: true,
			BatchWorkers: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "axm",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "axm",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
