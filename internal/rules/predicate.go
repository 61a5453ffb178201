// Package rules provides the segment rule language: a small conjunction
// grammar over the canonical feature schema, parsed into an expression
// tree and interpreted directly. Rules stay data, not code, so every
// classification is reproducible and auditable.
package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// Op is a comparison operator.
type Op string

const (
	OpEq    Op = "="
	OpNe    Op = "!="
	OpLt    Op = "<"
	OpLe    Op = "<="
	OpGt    Op = ">"
	OpGe    Op = ">="
	OpRange Op = "in" // inclusive lower, exclusive upper
)

// Comparison is one atomic term: field OP literal.
type Comparison struct {
	Field string
	Op    Op
	Kind  domain.FeatureKind

	// Num holds the literal for numeric comparisons, Str for categorical
	// ones, Lo/Hi for range terms.
	Num    float64
	Str    string
	Lo, Hi float64
}

// Predicate is a conjunction of comparisons. The observed rule language
// uses AND only; there is no OR or NOT.
type Predicate struct {
	Source string
	Terms  []Comparison
}

// Eval evaluates the predicate against a feature vector. It is pure and
// deterministic. A term referencing a field absent from the vector, or a
// field of the wrong kind, returns a SchemaError instead of coercing.
func (p *Predicate) Eval(fv domain.FeatureVector) (bool, error) {
	for i := range p.Terms {
		ok, err := p.Terms[i].eval(fv)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Comparison) eval(fv domain.FeatureVector) (bool, error) {
	val, ok := fv[c.Field]
	if !ok {
		return false, &domain.SchemaError{Field: c.Field, Reason: "absent from feature vector"}
	}
	if val.Kind != c.Kind {
		return false, &domain.SchemaError{
			Field:  c.Field,
			Reason: fmt.Sprintf("%s comparison against %s value", c.Kind, val.Kind),
		}
	}

	if c.Kind == domain.KindCategorical {
		switch c.Op {
		case OpEq:
			return val.Cat == c.Str, nil
		case OpNe:
			return val.Cat != c.Str, nil
		}
		return false, &domain.SchemaError{Field: c.Field, Reason: fmt.Sprintf("operator %q on categorical field", c.Op)}
	}

	n := val.Num
	switch c.Op {
	case OpEq:
		return n == c.Num, nil
	case OpNe:
		return n != c.Num, nil
	case OpLt:
		return n < c.Num, nil
	case OpLe:
		return n <= c.Num, nil
	case OpGt:
		return n > c.Num, nil
	case OpGe:
		return n >= c.Num, nil
	case OpRange:
		return n >= c.Lo && n < c.Hi, nil
	}
	return false, &domain.SchemaError{Field: c.Field, Reason: fmt.Sprintf("unknown operator %q", c.Op)}
}

// String renders the predicate back to canonical rule text.
func (p *Predicate) String() string {
	parts := make([]string, 0, len(p.Terms))
	for _, t := range p.Terms {
		switch {
		case t.Op == OpRange:
			parts = append(parts, fmt.Sprintf("%s IN [%g, %g)", t.Field, t.Lo, t.Hi))
		case t.Kind == domain.KindCategorical:
			parts = append(parts, fmt.Sprintf("%s %s %s", t.Field, t.Op, quoteIfNeeded(t.Str)))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %g", t.Field, t.Op, t.Num))
		}
	}
	return strings.Join(parts, " AND ")
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t") {
		return "'" + s + "'"
	}
	return s
}
