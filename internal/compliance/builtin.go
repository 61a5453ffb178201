package compliance

import "github.com/opensource-actuarial/heron/internal/domain"

// DefaultRules returns the built-in language contract. Actuarial
// communication standards forbid deterministic phrasing about individual
// mortality; every banned term carries the compliant rewording.
func DefaultRules() []*domain.ComplianceRule {
	return []*domain.ComplianceRule{
		{
			ID:         "banned.probability-of-death",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `probability of death`,
			Severity:   domain.SeverityError,
			Suggestion: "mortality rate",
			Enabled:    true,
		},
		{
			ID:         "banned.will-die",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `will die`,
			Severity:   domain.SeverityError,
			Suggestion: "expected deaths",
			Enabled:    true,
		},
		{
			ID:         "banned.causal-mortality",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `causes? (higher|lower|increased|decreased) mortality`,
			Severity:   domain.SeverityError,
			Suggestion: "is associated with higher or lower observed mortality",
			Enabled:    true,
		},
		{
			ID:         "banned.model-certainty",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `the model is certain`,
			Severity:   domain.SeverityError,
			Suggestion: "the model estimates",
			Enabled:    true,
		},
		{
			ID:         "banned.definitely",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `\bdefinitely\b`,
			Severity:   domain.SeverityWarning,
			Suggestion: "likely",
			Enabled:    true,
		},
		{
			ID:         "banned.certain-chance",
			Kind:       domain.RuleBannedTerm,
			Pattern:    `100% chance`,
			Severity:   domain.SeverityError,
			Suggestion: "high likelihood",
			Enabled:    true,
		},
		{
			ID:         "disclaimer.outside-training-period",
			Kind:       domain.RuleRequiredDisclaimer,
			Pattern:    `training (period|window)`,
			Trigger:    `observation_year < training_start || observation_year > training_end`,
			Severity:   domain.SeverityError,
			Suggestion: "note that the observation year falls outside the model's training period",
			Enabled:    true,
		},
		{
			ID:         "disclaimer.ambiguous-classification",
			Kind:       domain.RuleRequiredDisclaimer,
			Pattern:    `segment classification`,
			Trigger:    `ambiguous`,
			Severity:   domain.SeverityWarning,
			Suggestion: "note that the segment classification was ambiguous",
			Enabled:    true,
		},
	}
}
