// Package domain defines the core interfaces and types for AXM.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for durable persistence.
// The engine never calls it on the claim path directly; writes go through the
// dispatcher.
type Repository interface {
	// Claim operations
	SaveClaim(ctx context.Context, ev *ClaimEvent) error
	GetClaim(ctx context.Context, claimID string) (*ClaimEvent, error)

	// Rule operations. Every version is kept.
	SaveRule(ctx context.Context, rule *Rule) error
	ListRules(ctx context.Context) ([]*Rule, error)

	// Case operations. An empty status lists every case.
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, claimID string) (*Case, error)
	ListCases(ctx context.Context, status CaseStatus, limit int) ([]*Case, error)

	// Entity history operations
	SaveEntity(ctx context.Context, e *Entity) error
	ListEntities(ctx context.Context) ([]*Entity, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
