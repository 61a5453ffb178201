package repository

// Schema definitions for the Heron reference-data store.
// Compatible with both SQLite and PostgreSQL.

const schemaSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    family TEXT NOT NULL,
    label TEXT NOT NULL,
    rule TEXT NOT NULL,
    exposure INTEGER NOT NULL DEFAULT 0,
    ae_ratio REAL NOT NULL DEFAULT 0,
    relative_risk REAL NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, portfolio_id)
);

CREATE INDEX IF NOT EXISTS idx_segments_portfolio ON segments(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_segments_family ON segments(portfolio_id, family);
CREATE INDEX IF NOT EXISTS idx_segments_enabled ON segments(portfolio_id, enabled);
`

// One current calibration snapshot per portfolio; a reload overwrites it.
const schemaCalibration = `
CREATE TABLE IF NOT EXISTS calibration (
    portfolio_id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    overall_ae REAL NOT NULL,
    overall_rate REAL NOT NULL,
    data_period TEXT,
    yearly TEXT,
    segments TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaKnowledgeItems = `
CREATE TABLE IF NOT EXISTS knowledge_items (
    id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    title TEXT NOT NULL,
    source TEXT,
    body TEXT NOT NULL,
    scope_years TEXT,
    scope_cohort TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, portfolio_id)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_portfolio ON knowledge_items(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_enabled ON knowledge_items(portfolio_id, enabled);
`

const schemaComplianceRules = `
CREATE TABLE IF NOT EXISTS compliance_rules (
    id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    pattern TEXT NOT NULL,
    trigger_expr TEXT,
    severity TEXT NOT NULL,
    suggestion TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, portfolio_id)
);

CREATE INDEX IF NOT EXISTS idx_compliance_portfolio ON compliance_rules(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_compliance_enabled ON compliance_rules(portfolio_id, enabled);
`

const schemaFeatureSummaries = `
CREATE TABLE IF NOT EXISTS feature_summaries (
    feature TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    mean REAL NOT NULL DEFAULT 0,
    std REAL NOT NULL DEFAULT 0,
    quantiles TEXT,
    value_shares TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (feature, portfolio_id)
);

CREATE INDEX IF NOT EXISTS idx_summaries_portfolio ON feature_summaries(portfolio_id);
`

const schemaExplanations = `
CREATE TABLE IF NOT EXISTS explanations (
    id TEXT PRIMARY KEY,
    portfolio_id TEXT NOT NULL,
    state TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    bundle TEXT,
    compliance TEXT NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_explanations_portfolio ON explanations(portfolio_id);
CREATE INDEX IF NOT EXISTS idx_explanations_state ON explanations(portfolio_id, state);
CREATE INDEX IF NOT EXISTS idx_explanations_timestamp ON explanations(portfolio_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSegments,
		schemaCalibration,
		schemaKnowledgeItems,
		schemaComplianceRules,
		schemaFeatureSummaries,
		schemaExplanations,
	}
}
