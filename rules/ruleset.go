package rules

import (
	"fmt"
	"sort"
)

// Ruleset is an ordered, immutable collection of rules with unique keys.
// A nil or empty ruleset always allows.
type Ruleset struct {
	rules []Rule
	index map[string]int
}

// NewRuleset builds a ruleset, rejecting duplicate rule keys
func NewRuleset(rules ...Rule) (*Ruleset, error) {
	rs := &Ruleset{
		rules: make([]Rule, len(rules)),
		index: make(map[string]int, len(rules)),
	}
	for i, r := range rules {
		if isNilCheck(r.check) {
			return nil, &ValidationError{Code: CodeMissingCheck, Path: fmt.Sprintf("$[%d]", i), Detail: "rule was not built with NewRule"}
		}
		if prev, dup := rs.index[r.key]; dup {
			return nil, &ValidationError{
				Code:   CodeDuplicateRuleKey,
				Path:   fmt.Sprintf("$[%d].key", i),
				Detail: fmt.Sprintf("%q already used by rule %d", r.key, prev),
			}
		}
		rs.index[r.key] = i
		rs.rules[i] = r
	}
	return rs, nil
}

// Rules returns a copy of the rules in order
func (rs *Ruleset) Rules() []Rule {
	if rs == nil {
		return nil
	}
	cp := make([]Rule, len(rs.rules))
	copy(cp, rs.rules)
	return cp
}

// Len returns the number of rules
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rule looks up a rule by key
func (rs *Ruleset) Rule(key string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	i, ok := rs.index[key]
	if !ok {
		return Rule{}, false
	}
	return rs.rules[i], true
}

// FactKeys returns the sorted set of fact keys referenced by any rule.
// This is the facts schema the ruleset expects callers to supply.
func (rs *Ruleset) FactKeys() []string {
	seen := make(map[string]struct{})
	for _, r := range rs.Rules() {
		collectFactKeys(r.check, seen)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collectFactKeys(c Check, seen map[string]struct{}) {
	switch t := c.(type) {
	case *Leaf:
		seen[t.key] = struct{}{}
	case *List:
		for _, child := range t.checks {
			collectFactKeys(child, seen)
		}
	}
}

// Equal reports structural equality, including rule order
func (rs *Ruleset) Equal(other *Ruleset) bool {
	if rs.Len() != other.Len() {
		return false
	}
	for i := 0; i < rs.Len(); i++ {
		if !rs.rules[i].Equal(other.rules[i]) {
			return false
		}
	}
	return true
}

// ToWire returns the ruleset as a sequence of rule nodes
func (rs *Ruleset) ToWire() []any {
	out := make([]any, 0, rs.Len())
	for _, r := range rs.Rules() {
		out = append(out, r.ToWire())
	}
	return out
}

// Evaluate is shorthand for EvaluateRuleset(rs, facts)
func (rs *Ruleset) Evaluate(facts Facts) Decision {
	return EvaluateRuleset(rs, facts)
}
