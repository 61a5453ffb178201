package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/opensource-actuarial/heron/internal/domain"
)

// Parse compiles rule text into a Predicate, validating every referenced
// field against the schema. The grammar:
//
//	predicate := term ("AND" term)*
//	term      := field cmp literal | field "IN" "[" number "," number ")"
//	cmp       := "=" | "!=" | "<" | "<=" | ">" | ">="
//
// Numeric operators and ranges require numeric fields; equality operators
// take a literal of the field's kind. Parsing is deterministic: the same
// text always produces the same tree or the same error.
func Parse(source string, schema domain.FeatureSchema) (*Predicate, error) {
	lx := &lexer{input: source}
	toks, err := lx.run()
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", source, err)
	}

	p := &parser{toks: toks, schema: schema}
	pred, err := p.predicate()
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", source, err)
	}
	pred.Source = source
	return pred, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota // identifier, keyword, or bare literal
	tokNumber
	tokString // quoted literal
	tokOp     // = != < <= > >=
	tokLBracket
	tokComma
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	input string
	pos   int
}

func (lx *lexer) run() ([]token, error) {
	var toks []token
	for {
		lx.skipSpace()
		if lx.pos >= len(lx.input) {
			toks = append(toks, token{kind: tokEOF})
			return toks, nil
		}
		c := lx.input[lx.pos]
		switch {
		case c == '[':
			lx.pos++
			toks = append(toks, token{kind: tokLBracket})
		case c == ',':
			lx.pos++
			toks = append(toks, token{kind: tokComma})
		case c == ')':
			lx.pos++
			toks = append(toks, token{kind: tokRParen})
		case c == '\'':
			s, err := lx.quoted()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s})
		case c == '=' || c == '<' || c == '>' || c == '!':
			op, err := lx.operator()
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokOp, text: op})
		case c == '-' || c == '+' || unicode.IsDigit(rune(c)):
			text := lx.word()
			n, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n})
		default:
			text := lx.word()
			if text == "" {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, lx.pos)
			}
			toks = append(toks, token{kind: tokWord, text: text})
		}
	}
}

func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.input) && (lx.input[lx.pos] == ' ' || lx.input[lx.pos] == '\t') {
		lx.pos++
	}
}

func (lx *lexer) quoted() (string, error) {
	start := lx.pos + 1
	end := strings.IndexByte(lx.input[start:], '\'')
	if end < 0 {
		return "", fmt.Errorf("unterminated string literal at offset %d", lx.pos)
	}
	lx.pos = start + end + 1
	return lx.input[start : start+end], nil
}

func (lx *lexer) operator() (string, error) {
	rest := lx.input[lx.pos:]
	for _, op := range []string{"!=", "<=", ">=", "=", "<", ">"} {
		if strings.HasPrefix(rest, op) {
			lx.pos += len(op)
			return op, nil
		}
	}
	return "", fmt.Errorf("bad operator at offset %d", lx.pos)
}

func (lx *lexer) word() string {
	start := lx.pos
	for lx.pos < len(lx.input) {
		c := lx.input[lx.pos]
		if c == ' ' || c == '\t' || c == ',' || c == ')' || c == '[' || c == '\'' ||
			c == '=' || c == '<' || c == '>' || c == '!' {
			break
		}
		lx.pos++
	}
	return lx.input[start:lx.pos]
}

type parser struct {
	toks   []token
	pos    int
	schema domain.FeatureSchema
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) predicate() (*Predicate, error) {
	pred := &Predicate{}
	for {
		term, err := p.term()
		if err != nil {
			return nil, err
		}
		pred.Terms = append(pred.Terms, *term)

		t := p.next()
		if t.kind == tokEOF {
			return pred, nil
		}
		if t.kind != tokWord || !strings.EqualFold(t.text, "AND") {
			return nil, fmt.Errorf("expected AND or end of rule, got %q", t.text)
		}
	}
}

func (p *parser) term() (*Comparison, error) {
	ft := p.next()
	if ft.kind != tokWord {
		return nil, fmt.Errorf("expected field name, got %q", ft.text)
	}
	kind, ok := p.schema[ft.text]
	if !ok {
		return nil, &domain.SchemaError{Field: ft.text, Reason: "not in canonical schema"}
	}

	op := p.next()
	if op.kind == tokWord && strings.EqualFold(op.text, "IN") {
		return p.rangeTerm(ft.text, kind)
	}
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected operator after field %s", ft.text)
	}

	lit := p.next()
	c := &Comparison{Field: ft.text, Op: Op(op.text), Kind: kind}

	ordered := c.Op == OpLt || c.Op == OpLe || c.Op == OpGt || c.Op == OpGe
	switch kind {
	case domain.KindNumeric:
		if lit.kind != tokNumber {
			return nil, &domain.SchemaError{Field: ft.text, Reason: "numeric field compared to non-numeric literal"}
		}
		c.Num = lit.num
	case domain.KindCategorical:
		if ordered {
			return nil, &domain.SchemaError{Field: ft.text, Reason: fmt.Sprintf("ordered comparison %q on categorical field", op.text)}
		}
		if lit.kind != tokWord && lit.kind != tokString && lit.kind != tokNumber {
			return nil, fmt.Errorf("expected literal after %s %s", ft.text, op.text)
		}
		// Bareword literals on categorical fields are taken verbatim,
		// including ones that look numeric (face-amount bands).
		c.Str = lit.text
	}
	return c, nil
}

func (p *parser) rangeTerm(field string, kind domain.FeatureKind) (*Comparison, error) {
	if kind != domain.KindNumeric {
		return nil, &domain.SchemaError{Field: field, Reason: "range on categorical field"}
	}
	if t := p.next(); t.kind != tokLBracket {
		return nil, fmt.Errorf("expected [ after %s IN", field)
	}
	lo := p.next()
	if lo.kind != tokNumber {
		return nil, fmt.Errorf("expected range lower bound for %s", field)
	}
	if t := p.next(); t.kind != tokComma {
		return nil, fmt.Errorf("expected , in range for %s", field)
	}
	hi := p.next()
	if hi.kind != tokNumber {
		return nil, fmt.Errorf("expected range upper bound for %s", field)
	}
	if t := p.next(); t.kind != tokRParen {
		return nil, fmt.Errorf("expected ) closing range for %s", field)
	}
	if hi.num <= lo.num {
		return nil, fmt.Errorf("empty range [%g, %g) for %s", lo.num, hi.num, field)
	}
	return &Comparison{Field: field, Op: OpRange, Kind: kind, Lo: lo.num, Hi: hi.num}, nil
}
