// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ThresholdStore is the append-only persistence behind the threshold registry.
type ThresholdStore interface {
	// ListCurrentThresholds returns every open (effectiveUntil = null) row, active or not.
	ListCurrentThresholds(ctx context.Context) ([]*ThresholdConfig, error)

	// ListThresholdHistory returns all versions of one rule, ascending.
	ListThresholdHistory(ctx context.Context, ruleKey string) ([]*ThresholdConfig, error)

	// GetThresholdVersion returns one historical version.
	GetThresholdVersion(ctx context.Context, ruleKey string, version int) (*ThresholdConfig, error)

	// InsertThreshold stores a first version. It fails if the rule key already exists.
	InsertThreshold(ctx context.Context, cfg *ThresholdConfig) error

	// AppendThresholdVersion closes prev at next.EffectiveFrom and inserts next in one
	// transaction. It returns ErrVersionConflict if prev is no longer the open row.
	AppendThresholdVersion(ctx context.Context, prev, next *ThresholdConfig) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	ThresholdStore

	// Submission operations
	SaveSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	ListSubmissionsByEnumerator(ctx context.Context, enumeratorID string, since, before time.Time) ([]*Submission, error)
	ListSubmissionsByOthers(ctx context.Context, enumeratorID string, since, before time.Time, limit int) ([]*Submission, error)
	ListFormDurations(ctx context.Context, formID string, limit int) ([]float64, error)

	// Respondent index
	SaveRespondent(ctx context.Context, respondentID, identityHash string, fields map[string]string, createdAt time.Time) error
	FindRespondentsByHash(ctx context.Context, identityHash string, since, before time.Time) ([]string, error)
	FindRespondentsByFields(ctx context.Context, fields map[string]string, since, before time.Time) ([]RespondentMatch, error)

	// Assessment results
	SaveAssessment(ctx context.Context, a *FraudAssessment) error
	GetAssessment(ctx context.Context, id string) (*FraudAssessment, error)
	ListAssessmentsBySubmission(ctx context.Context, submissionID string) ([]*FraudAssessment, error)
	CountAssessmentsBySeverity(ctx context.Context, since time.Time) (*SeverityCounts, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" toml:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" toml:"sqlite_path" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" toml:"postgres_host" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" toml:"postgres_port" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" toml:"postgres_user" yaml:"postgres_user"`
	PostgresPassword string `json:"-" toml:"postgres_password" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" toml:"postgres_db" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" toml:"postgres_sslmode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" toml:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" toml:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}
