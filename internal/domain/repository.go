package domain

import (
	"context"
	"time"
)

// Repository defines the interface for reference-data and result
// persistence. All methods require a portfolioID for strict isolation
// between studies; "*" holds global reference data.
type Repository interface {
	// Segment definitions
	SaveSegment(ctx context.Context, portfolioID string, seg *SegmentDefinition) error
	ListSegments(ctx context.Context, portfolioID string) ([]*SegmentDefinition, error)

	// Calibration snapshots (one current snapshot per portfolio)
	SaveCalibration(ctx context.Context, portfolioID string, snap *CalibrationSnapshot) error
	GetCalibration(ctx context.Context, portfolioID string) (*CalibrationSnapshot, error)

	// Knowledge items
	SaveKnowledgeItem(ctx context.Context, portfolioID string, item *KnowledgeItem) error
	ListKnowledgeItems(ctx context.Context, portfolioID string) ([]*KnowledgeItem, error)

	// Compliance rules
	SaveComplianceRule(ctx context.Context, portfolioID string, rule *ComplianceRule) error
	ListComplianceRules(ctx context.Context, portfolioID string) ([]*ComplianceRule, error)

	// Population-statistics feature summaries
	SaveFeatureSummary(ctx context.Context, portfolioID string, sum *FeatureSummary) error
	ListFeatureSummaries(ctx context.Context, portfolioID string) ([]*FeatureSummary, error)

	// Persisted explanations
	SaveExplanation(ctx context.Context, portfolioID string, exp *Explanation) error
	GetExplanation(ctx context.Context, portfolioID string, expID string) (*Explanation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// QuantilePoint is one cut point of a feature's empirical distribution.
type QuantilePoint struct {
	Percentile int     `json:"percentile"`
	Value      float64 `json:"value"`
}

// FeatureSummary is the stored population distribution for one feature:
// quantile cut points for numeric features, value shares for categoricals.
type FeatureSummary struct {
	Feature     string          `json:"feature"`
	PortfolioID string          `json:"portfolioId,omitempty"`
	Kind        FeatureKind     `json:"kind"`
	Mean        float64         `json:"mean,omitempty"`
	Std         float64         `json:"std,omitempty"`
	Quantiles   []QuantilePoint `json:"quantiles,omitempty"`

	// ValueShares maps categorical values to their population share.
	ValueShares map[string]float64 `json:"valueShares,omitempty"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
