package rules

// Facts describes one transaction: a flat map from fact key to a number,
// string, boolean or list of those. Go numeric types are all treated as
// numbers.
type Facts map[string]any

// Match records one rule that matched during ruleset evaluation
type Match struct {
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
}

// Decision is the aggregated result of evaluating a ruleset
type Decision struct {
	// Outcome is the most severe outcome among matched rules, or allow
	Outcome Outcome `json:"outcome"`
	// MatchedRuleKeys holds every matched rule at the winning severity, in rule order
	MatchedRuleKeys []string `json:"matchedRuleKeys"`
	// Matches holds every matched rule regardless of severity, in rule order
	Matches []Match `json:"matches"`
}

// EvaluateCheck reports whether facts satisfy check. It never panics and has
// no side effects: a missing fact, a fact of an unsupported type or a type
// mismatch in a numeric comparison makes the leaf evaluate to false.
func EvaluateCheck(check Check, facts Facts) bool {
	if isNilCheck(check) {
		return false
	}
	return check.match(facts)
}

// EvaluateRuleset evaluates every rule in order and aggregates by severity.
// Rule order never changes the outcome, only the order of reported keys.
func EvaluateRuleset(rs *Ruleset, facts Facts) Decision {
	if rs == nil {
		return Aggregate(nil)
	}
	var matches []Match
	for _, r := range rs.rules {
		if r.check.match(facts) {
			matches = append(matches, Match{Key: r.key, Outcome: r.outcome})
		}
	}
	return Aggregate(matches)
}

// Aggregate builds a Decision from matched rules listed in rule order. The
// outcome is the most severe one present, or allow when matches is empty.
func Aggregate(matches []Match) Decision {
	d := Decision{
		Outcome:         OutcomeAllow,
		MatchedRuleKeys: []string{},
		Matches:         make([]Match, 0, len(matches)),
	}
	for _, m := range matches {
		d.Matches = append(d.Matches, m)
		if m.Outcome.Severity() > d.Outcome.Severity() {
			d.Outcome = m.Outcome
		}
	}
	for _, m := range d.Matches {
		if m.Outcome == d.Outcome {
			d.MatchedRuleKeys = append(d.MatchedRuleKeys, m.Key)
		}
	}
	return d
}

func (l *List) match(facts Facts) bool {
	switch l.op {
	case OpAnd:
		for _, c := range l.checks {
			if !c.match(facts) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range l.checks {
			if c.match(facts) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (l *Leaf) match(facts Facts) bool {
	raw, ok := facts[l.key]
	if !ok {
		return false
	}
	fact, ok := ValueOf(raw)
	if !ok {
		return false
	}

	switch l.op {
	case OpEquals:
		return fact.Equal(l.value)
	case OpNotEquals:
		return !fact.Equal(l.value)
	case OpLessThan:
		return compareNumbers(fact, l.value, func(a, b float64) bool { return a < b })
	case OpLessThanOrEqual:
		return compareNumbers(fact, l.value, func(a, b float64) bool { return a <= b })
	case OpGreaterThan:
		return compareNumbers(fact, l.value, func(a, b float64) bool { return a > b })
	case OpGreaterThanOrEqual:
		return compareNumbers(fact, l.value, func(a, b float64) bool { return a >= b })
	case OpIn:
		return l.value.Contains(fact)
	case OpNotIn:
		return !l.value.Contains(fact)
	case OpContains:
		return fact.Contains(l.value)
	default:
		return false
	}
}

func compareNumbers(fact, operand Value, cmp func(a, b float64) bool) bool {
	a, ok := fact.Float()
	if !ok {
		return false
	}
	b, ok := operand.Float()
	if !ok {
		return false
	}
	return cmp(a, b)
}
