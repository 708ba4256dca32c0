package rules

// Operator is the comparison or combinator applied by a check
type Operator string

// Leaf operators compare a fact against the check's value
const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpContains           Operator = "contains"
)

// List operators combine child checks
const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
)

var leafOperators = map[Operator]bool{
	OpEquals:             true,
	OpNotEquals:          true,
	OpLessThan:           true,
	OpLessThanOrEqual:    true,
	OpGreaterThan:        true,
	OpGreaterThanOrEqual: true,
	OpIn:                 true,
	OpNotIn:              true,
	OpContains:           true,
}

var listOperators = map[Operator]bool{
	OpAnd: true,
	OpOr:  true,
}

// IsLeaf reports whether op compares a single fact
func (op Operator) IsLeaf() bool {
	return leafOperators[op]
}

// IsList reports whether op combines child checks
func (op Operator) IsList() bool {
	return listOperators[op]
}

// IsMembership reports whether op expects a list value
func (op Operator) IsMembership() bool {
	return op == OpIn || op == OpNotIn
}

// ParseOperator maps a wire spelling to an Operator
func ParseOperator(s string) (Operator, bool) {
	op := Operator(s)
	if op.IsLeaf() || op.IsList() {
		return op, true
	}
	return "", false
}

// LeafOperators returns every leaf operator in declaration order
func LeafOperators() []Operator {
	return []Operator{
		OpEquals, OpNotEquals,
		OpLessThan, OpLessThanOrEqual,
		OpGreaterThan, OpGreaterThanOrEqual,
		OpIn, OpNotIn, OpContains,
	}
}
