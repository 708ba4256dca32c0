package rules

import "fmt"

// Outcome is the decision a matching rule produces
type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomeReview Outcome = "review"
	OutcomeBlock  Outcome = "block"
)

// Severity orders outcomes for aggregation: block > review > allow.
// Unknown outcomes have severity -1.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeAllow:
		return 0
	case OutcomeReview:
		return 1
	case OutcomeBlock:
		return 2
	default:
		return -1
	}
}

// IsValid reports whether o is allow, review or block
func (o Outcome) IsValid() bool {
	return o.Severity() >= 0
}

// IsValidOutcome reports whether candidate is a known outcome spelling.
// Configuration-time validators can call it before building a Rule.
func IsValidOutcome(candidate string) bool {
	return Outcome(candidate).IsValid()
}

// ParseOutcome maps a wire spelling to an Outcome
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.IsValid() {
		return "", newError(CodeInvalidOutcome, "", fmt.Sprintf("%q is not one of allow, review, block", s))
	}
	return o, nil
}

// Rule pairs a root check with the outcome to produce when it matches.
// Key is opaque to the engine and only echoed back in decisions.
type Rule struct {
	key     string
	outcome Outcome
	check   Check
}

// NewRule builds a rule
func NewRule(key string, outcome Outcome, check Check) (Rule, error) {
	if key == "" {
		return Rule{}, newError(CodeMissingKey, "", "rule requires a key")
	}
	if !outcome.IsValid() {
		return Rule{}, newError(CodeInvalidOutcome, "", fmt.Sprintf("%q is not one of allow, review, block", outcome))
	}
	if isNilCheck(check) {
		return Rule{}, newError(CodeMissingCheck, "", "rule requires a check")
	}
	return Rule{key: key, outcome: outcome, check: check}, nil
}

// Key returns the rule's identifier
func (r Rule) Key() string { return r.key }

// Outcome returns the outcome produced when the rule matches
func (r Rule) Outcome() Outcome { return r.outcome }

// Check returns the rule's root check
func (r Rule) Check() Check { return r.check }

// Matches evaluates the rule's check against facts
func (r Rule) Matches(facts Facts) bool {
	return EvaluateCheck(r.check, facts)
}

// Equal reports structural equality
func (r Rule) Equal(other Rule) bool {
	return r.key == other.key && r.outcome == other.outcome && EqualChecks(r.check, other.check)
}

// ToWire returns the rule as {key, outcome, check}
func (r Rule) ToWire() map[string]any {
	return map[string]any{
		"key":     r.key,
		"outcome": string(r.outcome),
		"check":   r.check.wire(),
	}
}
