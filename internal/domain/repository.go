// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Duplicate detection history
	InsertFingerprint(ctx context.Context, fp *Fingerprint) (bool, error)
	GetFingerprint(ctx context.Context, hash string) (*Fingerprint, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]*Fingerprint, error)
	AppendDuplicateAudit(ctx context.Context, entry *DuplicateAudit) error
	ListDuplicateAudit(ctx context.Context, txID string) ([]*DuplicateAudit, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Processed transactions
	SaveProcessed(ctx context.Context, rec *ProcessedRecord) error
	GetProcessed(ctx context.Context, txID string) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
