package domain

// ComplianceRuleKind distinguishes the two rule families of the language
// contract.
type ComplianceRuleKind string

const (
	// RuleBannedTerm rules fail when their pattern appears in the
	// narrative text.
	RuleBannedTerm ComplianceRuleKind = "banned_term"

	// RuleRequiredDisclaimer rules fail when their trigger condition
	// holds over the bundle facts but the narrative lacks the pattern.
	RuleRequiredDisclaimer ComplianceRuleKind = "required_disclaimer"
)

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ComplianceRule is one entry of the language-rule contract.
type ComplianceRule struct {
	ID          string             `json:"id"`
	PortfolioID string             `json:"portfolioId,omitempty"`
	Kind        ComplianceRuleKind `json:"kind"`

	// Pattern is a regular expression. For banned terms it must not
	// appear in the narrative; for required disclaimers it must.
	Pattern string `json:"pattern"`

	// Trigger is a CEL expression over bundle facts; a required
	// disclaimer is only demanded when the trigger evaluates true.
	// Empty means always triggered.
	Trigger string `json:"trigger,omitempty"`

	Severity string `json:"severity"`

	// Suggestion is the compliant phrasing offered to the caller. The
	// guard never edits text itself.
	Suggestion string `json:"suggestion,omitempty"`

	Enabled bool `json:"enabled"`
}

// ComplianceViolation is one finding of the guard.
type ComplianceViolation struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`

	// Location is the character offset in the narrative, or -1 for
	// structural findings against the bundle itself.
	Location int `json:"location"`

	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ComplianceResult is the guard's verdict. Violations are reported, never
// auto-corrected; remediation is the caller's decision.
type ComplianceResult struct {
	Pass       bool                  `json:"pass"`
	Violations []ComplianceViolation `json:"violations,omitempty"`
}

// Built-in structural rule ids the guard emits without configuration.
const (
	RuleUntraceableFigure = "structural.untraceable-figure"
	RuleMissingProvenance = "structural.missing-provenance"
)
