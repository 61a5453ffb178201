// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-actuarial/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSegment upserts a segment definition with portfolio isolation.
func (r *SQLRepository) SaveSegment(ctx context.Context, portfolioID string, seg *domain.SegmentDefinition) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	enabled := 0
	if seg.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO segments (
			id, portfolio_id, family, label, rule, exposure,
			ae_ratio, relative_risk, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, portfolio_id) DO UPDATE SET
			family = excluded.family,
			label = excluded.label,
			rule = excluded.rule,
			exposure = excluded.exposure,
			ae_ratio = excluded.ae_ratio,
			relative_risk = excluded.relative_risk,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		seg.ID, portfolioID, string(seg.Family), seg.Label, seg.Rule,
		seg.Exposure, seg.AERatio, seg.RelativeRisk, enabled,
		now, now,
	)
	return err
}

// ListSegments retrieves all enabled segment definitions for a portfolio,
// in registry order (coverage order is load order, which is id order here).
func (r *SQLRepository) ListSegments(ctx context.Context, portfolioID string) ([]*domain.SegmentDefinition, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, portfolio_id, family, label, rule, exposure,
			   ae_ratio, relative_risk, enabled
		FROM segments
		WHERE portfolio_id = ? AND enabled = 1
		ORDER BY family, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*domain.SegmentDefinition
	for rows.Next() {
		var seg domain.SegmentDefinition
		var family string
		var enabled int

		if err := rows.Scan(
			&seg.ID, &seg.PortfolioID, &family, &seg.Label, &seg.Rule,
			&seg.Exposure, &seg.AERatio, &seg.RelativeRisk, &enabled,
		); err != nil {
			return nil, err
		}

		seg.Family = domain.SegmentFamily(family)
		seg.Enabled = enabled == 1
		segments = append(segments, &seg)
	}

	return segments, rows.Err()
}

// SaveCalibration stores the current calibration snapshot for a portfolio,
// replacing any previous one.
func (r *SQLRepository) SaveCalibration(ctx context.Context, portfolioID string, snap *domain.CalibrationSnapshot) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	yearly, _ := json.Marshal(snap.Yearly)
	segments, _ := json.Marshal(snap.Segments)

	query := `
		INSERT INTO calibration (
			portfolio_id, version, overall_ae, overall_rate,
			data_period, yearly, segments, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id) DO UPDATE SET
			version = excluded.version,
			overall_ae = excluded.overall_ae,
			overall_rate = excluded.overall_rate,
			data_period = excluded.data_period,
			yearly = excluded.yearly,
			segments = excluded.segments,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		portfolioID, snap.Version, snap.OverallAE, snap.OverallRate,
		snap.DataPeriod, string(yearly), string(segments),
		time.Now().UTC(),
	)
	return err
}

// GetCalibration retrieves the current calibration snapshot for a portfolio.
func (r *SQLRepository) GetCalibration(ctx context.Context, portfolioID string) (*domain.CalibrationSnapshot, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT portfolio_id, version, overall_ae, overall_rate,
			   data_period, yearly, segments
		FROM calibration
		WHERE portfolio_id = ?
	`

	var snap domain.CalibrationSnapshot
	var yearly, segments string

	err := r.db.QueryRowContext(ctx, r.rebind(query), portfolioID).Scan(
		&snap.PortfolioID, &snap.Version, &snap.OverallAE, &snap.OverallRate,
		&snap.DataPeriod, &yearly, &segments,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if yearly != "" {
		json.Unmarshal([]byte(yearly), &snap.Yearly)
	}
	if segments != "" {
		json.Unmarshal([]byte(segments), &snap.Segments)
	}

	return &snap, nil
}

// SaveKnowledgeItem upserts a knowledge item with portfolio isolation.
func (r *SQLRepository) SaveKnowledgeItem(ctx context.Context, portfolioID string, item *domain.KnowledgeItem) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	years, _ := json.Marshal(item.Scope.Years)

	enabled := 0
	if item.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO knowledge_items (
			id, portfolio_id, title, source, body,
			scope_years, scope_cohort, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, portfolio_id) DO UPDATE SET
			title = excluded.title,
			source = excluded.source,
			body = excluded.body,
			scope_years = excluded.scope_years,
			scope_cohort = excluded.scope_cohort,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		item.ID, portfolioID, item.Title, item.Source, item.Body,
		string(years), item.Scope.Cohort, enabled,
		now, now,
	)
	return err
}

// ListKnowledgeItems retrieves all enabled knowledge items for a portfolio.
func (r *SQLRepository) ListKnowledgeItems(ctx context.Context, portfolioID string) ([]*domain.KnowledgeItem, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, portfolio_id, title, source, body,
			   scope_years, scope_cohort, enabled
		FROM knowledge_items
		WHERE portfolio_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.KnowledgeItem
	for rows.Next() {
		var item domain.KnowledgeItem
		var years string
		var enabled int

		if err := rows.Scan(
			&item.ID, &item.PortfolioID, &item.Title, &item.Source, &item.Body,
			&years, &item.Scope.Cohort, &enabled,
		); err != nil {
			return nil, err
		}

		if years != "" {
			json.Unmarshal([]byte(years), &item.Scope.Years)
		}
		item.Enabled = enabled == 1
		items = append(items, &item)
	}

	return items, rows.Err()
}

// SaveComplianceRule upserts a compliance rule with portfolio isolation.
func (r *SQLRepository) SaveComplianceRule(ctx context.Context, portfolioID string, rule *domain.ComplianceRule) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO compliance_rules (
			id, portfolio_id, kind, pattern, trigger_expr,
			severity, suggestion, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, portfolio_id) DO UPDATE SET
			kind = excluded.kind,
			pattern = excluded.pattern,
			trigger_expr = excluded.trigger_expr,
			severity = excluded.severity,
			suggestion = excluded.suggestion,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, portfolioID, string(rule.Kind), rule.Pattern, rule.Trigger,
		rule.Severity, rule.Suggestion, enabled,
		now, now,
	)
	return err
}

// ListComplianceRules retrieves all enabled compliance rules for a portfolio.
func (r *SQLRepository) ListComplianceRules(ctx context.Context, portfolioID string) ([]*domain.ComplianceRule, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, portfolio_id, kind, pattern, trigger_expr,
			   severity, suggestion, enabled
		FROM compliance_rules
		WHERE portfolio_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ComplianceRule
	for rows.Next() {
		var rule domain.ComplianceRule
		var kind string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.PortfolioID, &kind, &rule.Pattern, &rule.Trigger,
			&rule.Severity, &rule.Suggestion, &enabled,
		); err != nil {
			return nil, err
		}

		rule.Kind = domain.ComplianceRuleKind(kind)
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveFeatureSummary upserts a population feature summary.
func (r *SQLRepository) SaveFeatureSummary(ctx context.Context, portfolioID string, sum *domain.FeatureSummary) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	quantiles, _ := json.Marshal(sum.Quantiles)
	shares, _ := json.Marshal(sum.ValueShares)

	query := `
		INSERT INTO feature_summaries (
			feature, portfolio_id, kind, mean, std,
			quantiles, value_shares, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feature, portfolio_id) DO UPDATE SET
			kind = excluded.kind,
			mean = excluded.mean,
			std = excluded.std,
			quantiles = excluded.quantiles,
			value_shares = excluded.value_shares,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sum.Feature, portfolioID, string(sum.Kind), sum.Mean, sum.Std,
		string(quantiles), string(shares),
		time.Now().UTC(),
	)
	return err
}

// ListFeatureSummaries retrieves all feature summaries for a portfolio.
func (r *SQLRepository) ListFeatureSummaries(ctx context.Context, portfolioID string) ([]*domain.FeatureSummary, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT feature, portfolio_id, kind, mean, std, quantiles, value_shares
		FROM feature_summaries
		WHERE portfolio_id = ?
		ORDER BY feature
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.FeatureSummary
	for rows.Next() {
		var sum domain.FeatureSummary
		var kind, quantiles, shares string

		if err := rows.Scan(
			&sum.Feature, &sum.PortfolioID, &kind, &sum.Mean, &sum.Std,
			&quantiles, &shares,
		); err != nil {
			return nil, err
		}

		sum.Kind = domain.FeatureKind(kind)
		if quantiles != "" {
			json.Unmarshal([]byte(quantiles), &sum.Quantiles)
		}
		if shares != "" {
			json.Unmarshal([]byte(shares), &sum.ValueShares)
		}
		summaries = append(summaries, &sum)
	}

	return summaries, rows.Err()
}

// SaveExplanation stores a pipeline result with portfolio isolation.
func (r *SQLRepository) SaveExplanation(ctx context.Context, portfolioID string, exp *domain.Explanation) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	bundle, _ := json.Marshal(exp.Bundle)
	compliance, _ := json.Marshal(exp.Compliance)
	metadata, _ := json.Marshal(exp.Metadata)

	query := `
		INSERT INTO explanations (
			id, portfolio_id, state, timestamp, bundle, compliance, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		exp.ID, portfolioID, exp.State, exp.Timestamp,
		string(bundle), string(compliance), string(metadata),
	)
	return err
}

// GetExplanation retrieves an explanation by ID with portfolio isolation.
func (r *SQLRepository) GetExplanation(ctx context.Context, portfolioID string, expID string) (*domain.Explanation, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("%w: portfolioID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, portfolio_id, state, timestamp, bundle, compliance, metadata
		FROM explanations
		WHERE portfolio_id = ? AND id = ?
	`

	var exp domain.Explanation
	var bundle, compliance, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), portfolioID, expID).Scan(
		&exp.ID, &exp.PortfolioID, &exp.State, &exp.Timestamp,
		&bundle, &compliance, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if bundle != "" && bundle != "null" {
		json.Unmarshal([]byte(bundle), &exp.Bundle)
	}
	json.Unmarshal([]byte(compliance), &exp.Compliance)
	json.Unmarshal([]byte(metadata), &exp.Metadata)

	return &exp, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
