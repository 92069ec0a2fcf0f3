package condition

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolved is returned (wrapped) when a field path does not resolve.
var ErrUnresolved = errors.New("field not found")

// EvalContext resolves field paths during evaluation.
type EvalContext interface {
	Resolve(path []string) (interface{}, bool)
}

// MapContext resolves dot paths against a nested map.
type MapContext map[string]interface{}

func (m MapContext) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(m)
	for _, seg := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Evaluate evaluates an AST node against ctx.
func Evaluate(node Expr, ctx EvalContext) (bool, error) {
	switch n := node.(type) {
	case *BinaryExpr:
		left, err := Evaluate(n.Left, ctx)
		if err != nil {
			return false, err
		}
		// short-circuit
		if n.Op == "AND" && !left {
			return false, nil
		}
		if n.Op == "OR" && left {
			return true, nil
		}
		return Evaluate(n.Right, ctx)

	case *NotExpr:
		v, err := Evaluate(n.Expr, ctx)
		return !v, err

	case *ComparisonExpr:
		left, err := resolveOperand(n.Left, ctx)
		if err != nil {
			return false, err
		}
		right, err := resolveOperand(n.Right, ctx)
		if err != nil {
			return false, err
		}
		return compare(left, n.Op, right, n.re)

	case *ExistsExpr:
		_, ok := ctx.Resolve(n.Field.Path)
		return ok, nil

	case *TruthExpr:
		v, err := resolveOperand(n.Operand, ctx)
		if err != nil {
			if errors.Is(err, ErrUnresolved) {
				return false, nil
			}
			return false, err
		}
		return truthy(v), nil

	default:
		return false, fmt.Errorf("unknown expression node %T", node)
	}
}

func resolveOperand(op Operand, ctx EvalContext) (interface{}, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *FieldOperand:
		v, ok := ctx.Resolve(o.Path)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnresolved, strings.Join(o.Path, "."))
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown operand type %T", op)
	}
}

// Program is a parsed expression ready for repeated evaluation.
type Program struct {
	src  string
	root Expr
}

// Compile parses src once so it can be evaluated per event without reparsing.
func Compile(src string) (*Program, error) {
	root, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{src: src, root: root}, nil
}

// MustCompile is Compile that panics on error. Intended for tests and
// package-level fixtures.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(fmt.Sprintf("condition: %q: %v", src, err))
	}
	return p
}

func (p *Program) String() string { return p.src }

// Eval evaluates the program. An unresolved field inside a comparison is an
// error; callers decide whether that means false.
func (p *Program) Eval(ctx EvalContext) (bool, error) {
	return Evaluate(p.root, ctx)
}

// Fields lists the distinct field paths referenced by the program.
func (p *Program) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(op Operand) {
		if f, ok := op.(*FieldOperand); ok {
			path := strings.Join(f.Path, ".")
			if !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
		}
	}
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case *NotExpr:
			walk(n.Expr)
		case *ComparisonExpr:
			add(n.Left)
			add(n.Right)
		case *ExistsExpr:
			add(n.Field)
		case *TruthExpr:
			add(n.Operand)
		}
	}
	walk(p.root)
	return out
}
