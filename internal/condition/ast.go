package condition

import "regexp"

// Expr is the common interface for all AST nodes.
type Expr interface {
	exprNode()
}

// BinaryExpr represents AND / OR.
type BinaryExpr struct {
	Op    string // "AND" | "OR"
	Left  Expr
	Right Expr
}

// NotExpr represents NOT <expr>.
type NotExpr struct {
	Expr Expr
}

// ComparisonExpr represents <operand> <operator> <operand>.
type ComparisonExpr struct {
	Left  Operand
	Op    Operator
	Right Operand

	re *regexp.Regexp // compiled at parse time when Op is matches and Right is a literal
}

// ExistsExpr represents "<field> exists": true when the path resolves.
type ExistsExpr struct {
	Field *FieldOperand
}

// TruthExpr is a bare operand used as a condition ("data.is_vip", "true").
type TruthExpr struct {
	Operand Operand
}

func (*BinaryExpr) exprNode()     {}
func (*NotExpr) exprNode()        {}
func (*ComparisonExpr) exprNode() {}
func (*ExistsExpr) exprNode()     {}
func (*TruthExpr) exprNode()      {}

// Operand is either a literal value or a field path.
type Operand interface {
	operandNode()
}

// LiteralOperand holds a pre-parsed constant.
type LiteralOperand struct {
	Value interface{}
}

// FieldOperand holds a dot-separated path like "payload.amount".
type FieldOperand struct {
	Path []string
}

func (*LiteralOperand) operandNode() {}
func (*FieldOperand) operandNode()   {}
