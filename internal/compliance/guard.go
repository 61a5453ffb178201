// Package compliance validates evidence bundles and generated narratives
// against the language-rule contract.
package compliance

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-actuarial/heron/internal/domain"
)

// Guard is the terminal gate of the pipeline. Deterministic and
// side-effect-free: it reports findings and never edits text.
type Guard struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*CompiledRule

	trainingStart int
	trainingEnd   int
}

// CompiledRule holds a compliance rule with its compiled pattern and
// trigger program.
type CompiledRule struct {
	Rule    *domain.ComplianceRule
	pattern *regexp.Regexp

	// trigger is nil when the rule is unconditionally triggered.
	trigger cel.Program
}

// NewGuard creates a guard with the bundle-fact CEL environment. Trigger
// conditions are expressions over these facts only, so the contract stays
// declarative and auditable.
func NewGuard(engineCfg domain.EngineConfig) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("observation_year", cel.IntType),
		cel.Variable("mortality_rate", cel.DoubleType),
		cel.Variable("relative_risk", cel.DoubleType),
		cel.Variable("overall_ae", cel.DoubleType),
		cel.Variable("coverage_segment", cel.StringType),
		cel.Variable("spotlight_count", cel.IntType),
		cel.Variable("knowledge_count", cel.IntType),
		cel.Variable("ambiguous", cel.BoolType),
		cel.Variable("training_start", cel.IntType),
		cel.Variable("training_end", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Guard{
		env:           env,
		trainingStart: engineCfg.TrainingStart,
		trainingEnd:   engineCfg.TrainingEnd,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (g *Guard) ValidateRule(rule *domain.ComplianceRule) error {
	_, err := g.compileRule(rule)
	return err
}

// LoadRules compiles and atomically replaces the loaded rule set.
// A rule that fails to compile is fatal for the whole load: a partially
// applied language contract is worse than the old one.
func (g *Guard) LoadRules(rules []*domain.ComplianceRule) error {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		cr, err := g.compileRule(rule)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	g.mu.Lock()
	g.rules = compiled
	g.mu.Unlock()
	return nil
}

// RuleCount returns the number of loaded rules.
func (g *Guard) RuleCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rules)
}

// Rules returns the currently loaded rule configurations.
func (g *Guard) Rules() []*domain.ComplianceRule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.ComplianceRule, 0, len(g.rules))
	for _, cr := range g.rules {
		out = append(out, cr.Rule)
	}
	return out
}

func (g *Guard) compileRule(rule *domain.ComplianceRule) (*CompiledRule, error) {
	if rule == nil || rule.ID == "" || rule.Pattern == "" {
		return nil, fmt.Errorf("compliance rule requires id and pattern")
	}

	pattern, err := regexp.Compile("(?i)" + rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: bad pattern: %w", rule.ID, err)
	}

	cr := &CompiledRule{Rule: rule, pattern: pattern}

	if rule.Trigger != "" {
		ast, issues := g.env.Compile(rule.Trigger)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: bad trigger: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule %s: trigger must return bool, got %s", rule.ID, ast.OutputType())
		}
		program, err := g.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: trigger program: %w", rule.ID, err)
		}
		cr.trigger = program
	}

	return cr, nil
}

// Check validates the bundle and, when supplied, the narrative text.
// Structural findings defend against the generator inventing figures;
// lexical findings enforce the banned-term and disclaimer contract. The
// caller decides remediation: regenerate, fall back, or abort.
func (g *Guard) Check(bundle *domain.EvidenceBundle, narrative string) domain.ComplianceResult {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	var violations []domain.ComplianceViolation

	violations = append(violations, g.checkProvenance(bundle)...)

	if narrative != "" {
		violations = append(violations, g.checkFigures(bundle, narrative)...)

		activation := g.activation(bundle)
		for _, cr := range rules {
			switch cr.Rule.Kind {
			case domain.RuleBannedTerm:
				if loc := cr.pattern.FindStringIndex(narrative); loc != nil {
					violations = append(violations, domain.ComplianceViolation{
						RuleID:     cr.Rule.ID,
						Severity:   cr.Rule.Severity,
						Location:   loc[0],
						Detail:     fmt.Sprintf("banned term %q", narrative[loc[0]:loc[1]]),
						Suggestion: cr.Rule.Suggestion,
					})
				}
			case domain.RuleRequiredDisclaimer:
				if !g.triggered(cr, activation) {
					continue
				}
				if !cr.pattern.MatchString(narrative) {
					violations = append(violations, domain.ComplianceViolation{
						RuleID:     cr.Rule.ID,
						Severity:   cr.Rule.Severity,
						Location:   -1,
						Detail:     "required disclaimer missing",
						Suggestion: cr.Rule.Suggestion,
					})
				}
			}
		}
	}

	return domain.ComplianceResult{
		Pass:       len(violations) == 0,
		Violations: violations,
	}
}

// triggered evaluates a disclaimer trigger over the bundle facts. An
// unevaluable trigger is treated as triggered: failing closed is the only
// safe reading of a compliance condition.
func (g *Guard) triggered(cr *CompiledRule, activation map[string]any) bool {
	if cr.trigger == nil {
		return true
	}
	out, _, err := cr.trigger.Eval(activation)
	if err != nil {
		return true
	}
	b, ok := out.(types.Bool)
	return !ok || bool(b)
}

func (g *Guard) activation(bundle *domain.EvidenceBundle) map[string]any {
	coverageID := ""
	if bundle.Match.Coverage != nil {
		coverageID = bundle.Match.Coverage.ID
	}
	return map[string]any{
		"observation_year": bundle.ObservationYear,
		"mortality_rate":   bundle.Prediction.Rate,
		"relative_risk":    bundle.RelativeRisk,
		"overall_ae":       bundle.Calibration.OverallAE,
		"coverage_segment": coverageID,
		"spotlight_count":  len(bundle.Match.Spotlights),
		"knowledge_count":  len(bundle.Knowledge),
		"ambiguous":        bundle.Match.Ambiguous,
		"training_start":   g.trainingStart,
		"training_end":     g.trainingEnd,
	}
}

// Mandatory bundle fields and their expected provenance.
var requiredProvenance = []string{"prediction", "relativeRisk", "match", "calibration"}

func (g *Guard) checkProvenance(bundle *domain.EvidenceBundle) []domain.ComplianceViolation {
	var violations []domain.ComplianceViolation
	for _, field := range requiredProvenance {
		if bundle.Provenance[field] == "" {
			violations = append(violations, domain.ComplianceViolation{
				RuleID:   domain.RuleMissingProvenance,
				Severity: domain.SeverityError,
				Location: -1,
				Detail:   fmt.Sprintf("bundle field %q has no provenance tag", field),
			})
		}
	}
	return violations
}

var numberPattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// checkFigures verifies every numeric claim in the narrative is traceable
// to a bundle fact at the precision the narrative states it. Single-digit
// integers are exempt as prose counts ("the three strongest drivers").
func (g *Guard) checkFigures(bundle *domain.EvidenceBundle, narrative string) []domain.ComplianceViolation {
	facts := bundleFacts(bundle, g.trainingStart, g.trainingEnd)

	var violations []domain.ComplianceViolation
	for _, loc := range numberPattern.FindAllStringIndex(narrative, -1) {
		tok := narrative[loc[0]:loc[1]]
		val, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		decimals := 0
		if dot := strings.IndexByte(tok, '.'); dot >= 0 {
			decimals = len(tok) - dot - 1
		}
		if decimals == 0 && val >= 0 && val < 10 {
			continue
		}
		if !traceable(val, decimals, facts) {
			violations = append(violations, domain.ComplianceViolation{
				RuleID:   domain.RuleUntraceableFigure,
				Severity: domain.SeverityError,
				Location: loc[0],
				Detail:   fmt.Sprintf("figure %s is not traceable to any bundle field", tok),
			})
		}
	}
	return violations
}

// traceable reports whether some fact, rounded to the figure's stated
// precision, equals the figure.
func traceable(val float64, decimals int, facts []float64) bool {
	scale := math.Pow(10, float64(decimals))
	for _, f := range facts {
		if math.Round(f*scale)/scale == val {
			return true
		}
		// A percentage rendering of a ratio fact is also traceable.
		if math.Round(f*100*scale)/scale == val {
			return true
		}
	}
	return false
}

// bundleFacts flattens every number in the bundle into the set of
// traceable facts.
func bundleFacts(bundle *domain.EvidenceBundle, trainingStart, trainingEnd int) []float64 {
	facts := []float64{
		bundle.Prediction.Rate,
		bundle.RelativeRisk,
		bundle.Calibration.OverallAE,
		bundle.Calibration.OverallRate,
		float64(bundle.ObservationYear),
		float64(trainingStart),
		float64(trainingEnd),
	}
	for _, c := range bundle.Prediction.Contributions {
		facts = append(facts, c.Value, math.Abs(c.Value))
	}
	for _, p := range bundle.Percentiles {
		facts = append(facts, float64(p.Percentile), p.Value)
	}
	for _, c := range bundle.Categories {
		facts = append(facts, c.Share)
	}
	for year, yc := range bundle.Calibration.Yearly {
		facts = append(facts, float64(year), yc.AERatio, yc.YearFactor)
	}
	if sc := bundle.Calibration.Coverage; sc != nil {
		facts = append(facts, sc.AERatio, float64(sc.Exposure))
	}
	for _, sc := range bundle.Calibration.Spotlight {
		facts = append(facts, sc.AERatio, float64(sc.Exposure))
	}
	appendSegment := func(seg *domain.SegmentDefinition) {
		if seg == nil {
			return
		}
		facts = append(facts, seg.AERatio, seg.RelativeRisk, seg.RRDeviation(), float64(seg.Exposure))
	}
	appendSegment(bundle.Match.Coverage)
	for _, seg := range bundle.Match.Spotlights {
		appendSegment(seg)
	}
	for _, item := range bundle.Knowledge {
		for _, y := range item.Scope.Years {
			facts = append(facts, float64(y))
		}
	}
	for _, v := range bundle.Record {
		if v.Kind == domain.KindNumeric {
			facts = append(facts, v.Num)
		}
	}
	return facts
}
