package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// Parse parses an expression string into an AST.
//
//	or_expr    = and_expr ( "OR" and_expr )*
//	and_expr   = not_expr ( "AND" not_expr )*
//	not_expr   = "NOT" not_expr | "(" or_expr ")" | comparison
//	comparison = operand [ operator operand | "exists" ]
func Parse(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", t.val, t.pos)
	}
	return node, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.atKeyword("NOT") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" at position %d, got %q", t.pos, t.val)
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op Operator
	switch {
	case t.kind == tokOp:
		op = Operator(t.val)
	case t.kind == tokWord && strings.EqualFold(t.val, "contains"):
		op = OpContains
	case t.kind == tokWord && strings.EqualFold(t.val, "matches"):
		op = OpMatches
	case t.kind == tokWord && strings.EqualFold(t.val, "exists"):
		p.next()
		field, ok := left.(*FieldOperand)
		if !ok {
			return nil, fmt.Errorf("exists needs a field path on the left")
		}
		return &ExistsExpr{Field: field}, nil
	default:
		// bare operand: "data.flag" or "true"
		return &TruthExpr{Operand: left}, nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	cmp := &ComparisonExpr{Left: left, Op: op, Right: right}
	if op == OpMatches {
		if lit, ok := right.(*LiteralOperand); ok {
			pattern, ok := lit.Value.(string)
			if !ok {
				return nil, fmt.Errorf("matches: pattern must be a string")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
			}
			cmp.re = re
		}
	}
	return cmp, nil
}

func (p *parser) parseOperand() (Operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return &LiteralOperand{Value: t.val}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.val, t.pos)
		}
		return &LiteralOperand{Value: f}, nil
	case tokBool:
		return &LiteralOperand{Value: t.val == "true"}, nil
	case tokWord:
		return &FieldOperand{Path: strings.Split(t.val, ".")}, nil
	case tokEOF:
		return nil, fmt.Errorf("expected operand, got end of expression")
	default:
		return nil, fmt.Errorf("expected operand at position %d, got %q", t.pos, t.val)
	}
}
