package rules

import "fmt"

// Check is a node in a boolean expression tree. It is either a *Leaf that
// compares one fact against a value or a *List that combines child checks.
// The set of implementations is closed; both are immutable once built.
type Check interface {
	Operator() Operator

	match(facts Facts) bool
	wire() map[string]any
	depth() int
	equal(other Check) bool
}

// Leaf compares the fact named by Key against Value using a leaf operator
type Leaf struct {
	key   string
	op    Operator
	value Value
}

// NewLeaf builds a leaf check
func NewLeaf(key string, op Operator, value Value) (*Leaf, error) {
	if !op.IsLeaf() {
		return nil, newError(CodeInvalidOperator, "", fmt.Sprintf("%q is not a leaf operator", op))
	}
	if key == "" {
		return nil, newError(CodeMissingKey, "", "leaf check requires a fact key")
	}
	if err := checkValueShape(op, value); err != nil {
		return nil, err
	}
	return &Leaf{key: key, op: op, value: value}, nil
}

// Key returns the fact key the leaf reads
func (l *Leaf) Key() string { return l.key }

// Operator returns the leaf's comparison operator
func (l *Leaf) Operator() Operator { return l.op }

// Value returns the leaf's comparison operand
func (l *Leaf) Value() Value { return l.value }

func (l *Leaf) depth() int { return 1 }

func (l *Leaf) wire() map[string]any {
	return map[string]any{
		"operator": string(l.op),
		"key":      l.key,
		"value":    l.value.Interface(),
	}
}

func (l *Leaf) equal(other Check) bool {
	o, ok := other.(*Leaf)
	return ok && l.key == o.key && l.op == o.op && l.value.Equal(o.value)
}

// List combines child checks with "and" or "or"
type List struct {
	op     Operator
	checks []Check
	height int
}

// NewList builds a list check from one or more children, bounded by
// DefaultLimits.
func NewList(op Operator, children ...Check) (*List, error) {
	return newList(op, children, DefaultLimits)
}

func newList(op Operator, children []Check, limits Limits) (*List, error) {
	if !op.IsList() {
		return nil, newError(CodeInvalidOperator, "", fmt.Sprintf("%q is not a list operator", op))
	}
	if len(children) == 0 {
		return nil, newError(CodeEmptyChecks, "", "list check requires at least one child")
	}
	if limits.MaxChecks > 0 && len(children) > limits.MaxChecks {
		return nil, newError(CodeMaxFanOutExceeded, "", fmt.Sprintf("%d children exceeds limit of %d", len(children), limits.MaxChecks))
	}

	checks := make([]Check, len(children))
	height := 0
	for i, child := range children {
		if isNilCheck(child) {
			return nil, &ValidationError{
				Code:   CodeInvalidChild,
				Path:   fmt.Sprintf("checks[%d]", i),
				Detail: "child check is nil",
			}
		}
		checks[i] = child
		if d := child.depth(); d > height {
			height = d
		}
	}
	height++

	if limits.MaxDepth > 0 && height > limits.MaxDepth {
		return nil, newError(CodeMaxDepthExceeded, "", fmt.Sprintf("depth %d exceeds limit of %d", height, limits.MaxDepth))
	}

	return &List{op: op, checks: checks, height: height}, nil
}

// Operator returns the list's combinator
func (l *List) Operator() Operator { return l.op }

// Checks returns a copy of the children in evaluation order
func (l *List) Checks() []Check {
	cp := make([]Check, len(l.checks))
	copy(cp, l.checks)
	return cp
}

func (l *List) depth() int { return l.height }

func (l *List) wire() map[string]any {
	checks := make([]any, len(l.checks))
	for i, c := range l.checks {
		checks[i] = c.wire()
	}
	return map[string]any{
		"operator": string(l.op),
		"checks":   checks,
	}
}

func (l *List) equal(other Check) bool {
	o, ok := other.(*List)
	if !ok || l.op != o.op || len(l.checks) != len(o.checks) {
		return false
	}
	for i := range l.checks {
		if !l.checks[i].equal(o.checks[i]) {
			return false
		}
	}
	return true
}

// EqualChecks reports whether a and b are structurally identical trees
func EqualChecks(a, b Check) bool {
	if isNilCheck(a) || isNilCheck(b) {
		return isNilCheck(a) && isNilCheck(b)
	}
	return a.equal(b)
}

// Depth returns the height of the tree rooted at c (a leaf has depth 1)
func Depth(c Check) int {
	if isNilCheck(c) {
		return 0
	}
	return c.depth()
}

func isNilCheck(c Check) bool {
	switch t := c.(type) {
	case nil:
		return true
	case *Leaf:
		return t == nil
	case *List:
		return t == nil
	default:
		return false
	}
}

func checkValueShape(op Operator, v Value) *ValidationError {
	switch {
	case !v.IsValid():
		return newError(CodeInvalidValue, "", "value must be a number, string, boolean or list of those")
	case op.IsMembership() && v.Kind() != KindList:
		return newError(CodeInvalidValue, "", fmt.Sprintf("%s requires a list value", op))
	case !op.IsMembership() && v.Kind() == KindList:
		return newError(CodeInvalidValue, "", fmt.Sprintf("%s requires a scalar value", op))
	}
	return nil
}
