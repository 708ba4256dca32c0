package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Limits bounds the size of trees accepted from the wire. A zero field
// disables that bound.
type Limits struct {
	MaxDepth  int // deepest nesting of checks, a single leaf is depth 1
	MaxChecks int // children of a single list check
	MaxRules  int // rules in a ruleset
}

// DefaultLimits is applied by the decoding entry points that take no options
var DefaultLimits = Limits{
	MaxDepth:  32,
	MaxChecks: 256,
	MaxRules:  10000,
}

// DecodeOptions configures wire decoding
type DecodeOptions struct {
	Limits Limits
}

var (
	leafFields = map[string]bool{"operator": true, "key": true, "value": true}
	listFields = map[string]bool{"operator": true, "checks": true}
	ruleFields = map[string]bool{"key": true, "outcome": true, "check": true}
)

// CheckFromWire decodes and validates a check node using DefaultLimits
func CheckFromWire(node any) (Check, error) {
	return CheckFromWireWithOptions(node, DecodeOptions{Limits: DefaultLimits})
}

// CheckFromWireWithOptions decodes and validates a check node
func CheckFromWireWithOptions(node any, opts DecodeOptions) (Check, error) {
	return decodeCheck(node, "$", 1, opts.Limits)
}

// ToWire encodes a check as nested maps and slices. It is the inverse of
// CheckFromWire.
func ToWire(c Check) map[string]any {
	if isNilCheck(c) {
		return nil
	}
	return c.wire()
}

// RuleFromWire decodes and validates a rule node using DefaultLimits
func RuleFromWire(node any) (Rule, error) {
	return RuleFromWireWithOptions(node, DecodeOptions{Limits: DefaultLimits})
}

// RuleFromWireWithOptions decodes and validates a rule node
func RuleFromWireWithOptions(node any, opts DecodeOptions) (Rule, error) {
	return decodeRule(node, "$", opts.Limits)
}

// RulesetFromWire decodes and validates a sequence of rule nodes using
// DefaultLimits
func RulesetFromWire(node any) (*Ruleset, error) {
	return RulesetFromWireWithOptions(node, DecodeOptions{Limits: DefaultLimits})
}

// RulesetFromWireWithOptions decodes and validates a sequence of rule nodes
func RulesetFromWireWithOptions(node any, opts DecodeOptions) (*Ruleset, error) {
	items, ok := node.([]any)
	if !ok {
		return nil, newError(CodeInvalidNode, "$", "ruleset must be an array of rules")
	}
	if limit := opts.Limits.MaxRules; limit > 0 && len(items) > limit {
		return nil, newError(CodeMaxFanOutExceeded, "$", fmt.Sprintf("%d rules exceeds limit of %d", len(items), limit))
	}

	rules := make([]Rule, 0, len(items))
	for i, item := range items {
		r, err := decodeRule(item, fmt.Sprintf("$[%d]", i), opts.Limits)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewRuleset(rules...)
}

// ParseRulesetJSON decodes a JSON ruleset document
func ParseRulesetJSON(data []byte) (*Ruleset, error) {
	return ParseRulesetJSONWithOptions(data, DecodeOptions{Limits: DefaultLimits})
}

// ParseRulesetJSONWithOptions decodes a JSON ruleset document
func ParseRulesetJSONWithOptions(data []byte, opts DecodeOptions) (*Ruleset, error) {
	var node any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, malformed("json", err)
	}
	return RulesetFromWireWithOptions(node, opts)
}

// ParseRulesetYAML decodes a YAML ruleset document
func ParseRulesetYAML(data []byte) (*Ruleset, error) {
	return ParseRulesetYAMLWithOptions(data, DecodeOptions{Limits: DefaultLimits})
}

// ParseRulesetYAMLWithOptions decodes a YAML ruleset document
func ParseRulesetYAMLWithOptions(data []byte, opts DecodeOptions) (*Ruleset, error) {
	var node any
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, malformed("yaml", err)
	}
	return RulesetFromWireWithOptions(node, opts)
}

// MarshalJSON encodes the ruleset in wire form
func (rs *Ruleset) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.ToWire())
}

// UnmarshalJSON decodes and validates a ruleset using DefaultLimits
func (rs *Ruleset) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRulesetJSON(data)
	if err != nil {
		return err
	}
	*rs = *parsed
	return nil
}

// MarshalCheckJSON encodes a check in wire form
func MarshalCheckJSON(c Check) ([]byte, error) {
	return json.Marshal(ToWire(c))
}

// UnmarshalCheckJSON decodes and validates a JSON check node
func UnmarshalCheckJSON(data []byte) (Check, error) {
	var node any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, malformed("json", err)
	}
	return CheckFromWire(node)
}

func decodeRule(node any, path string, limits Limits) (Rule, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return Rule{}, newError(CodeInvalidNode, path, "rule must be an object")
	}

	key, ok := m["key"].(string)
	if !ok || key == "" {
		return Rule{}, newError(CodeMissingKey, path+".key", "rule key must be a non-empty string")
	}

	outcomeRaw, present := m["outcome"]
	if !present {
		return Rule{}, newError(CodeInvalidOutcome, path+".outcome", "outcome is required")
	}
	outcomeStr, ok := outcomeRaw.(string)
	if !ok || !IsValidOutcome(outcomeStr) {
		return Rule{}, newError(CodeInvalidOutcome, path+".outcome", fmt.Sprintf("%v is not one of allow, review, block", outcomeRaw))
	}

	checkRaw, present := m["check"]
	if !present || checkRaw == nil {
		return Rule{}, newError(CodeMissingCheck, path+".check", "rule requires a check")
	}
	if cm, ok := checkRaw.(map[string]any); ok && len(cm) == 0 {
		return Rule{}, newError(CodeMissingCheck, path+".check", "rule check is empty")
	}

	if err := rejectUnknown(m, ruleFields, path); err != nil {
		return Rule{}, err
	}

	check, err := decodeCheck(checkRaw, path+".check", 1, limits)
	if err != nil {
		return Rule{}, err
	}
	return Rule{key: key, outcome: Outcome(outcomeStr), check: check}, nil
}

func decodeCheck(node any, path string, level int, limits Limits) (Check, error) {
	if limits.MaxDepth > 0 && level > limits.MaxDepth {
		return nil, newError(CodeMaxDepthExceeded, path, fmt.Sprintf("nesting exceeds limit of %d", limits.MaxDepth))
	}

	m, ok := node.(map[string]any)
	if !ok {
		return nil, newError(CodeInvalidNode, path, "check must be an object")
	}

	opRaw, present := m["operator"]
	if !present {
		return nil, newError(CodeMissingOperator, path+".operator", "")
	}
	opStr, ok := opRaw.(string)
	if !ok {
		return nil, newError(CodeInvalidOperator, path+".operator", fmt.Sprintf("%v is not a string", opRaw))
	}
	op, ok := ParseOperator(opStr)
	if !ok {
		return nil, newError(CodeInvalidOperator, path+".operator", fmt.Sprintf("unknown operator %q", opStr))
	}

	if op.IsList() {
		return decodeList(m, op, path, level, limits)
	}
	return decodeLeaf(m, op, path)
}

func decodeList(m map[string]any, op Operator, path string, level int, limits Limits) (Check, error) {
	raw, present := m["checks"]
	if !present {
		return nil, newError(CodeMissingChecks, path+".checks", "")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, newError(CodeMissingChecks, path+".checks", "checks must be an array")
	}
	if len(items) == 0 {
		return nil, newError(CodeEmptyChecks, path+".checks", "")
	}
	if err := rejectUnknown(m, listFields, path); err != nil {
		return nil, err
	}
	if limits.MaxChecks > 0 && len(items) > limits.MaxChecks {
		return nil, newError(CodeMaxFanOutExceeded, path+".checks", fmt.Sprintf("%d children exceeds limit of %d", len(items), limits.MaxChecks))
	}

	checks := make([]Check, len(items))
	height := 0
	for i, item := range items {
		childPath := fmt.Sprintf("%s.checks[%d]", path, i)
		child, err := decodeCheck(item, childPath, level+1, limits)
		if err != nil {
			return nil, &ValidationError{Code: CodeInvalidChild, Path: childPath, Err: err}
		}
		checks[i] = child
		if d := child.depth(); d > height {
			height = d
		}
	}
	return &List{op: op, checks: checks, height: height + 1}, nil
}

func decodeLeaf(m map[string]any, op Operator, path string) (Check, error) {
	raw, present := m["value"]
	if !present {
		return nil, newError(CodeMissingValue, path+".value", "")
	}
	key, ok := m["key"].(string)
	if !ok || key == "" {
		return nil, newError(CodeMissingKey, path+".key", "fact key must be a non-empty string")
	}
	if err := rejectUnknown(m, leafFields, path); err != nil {
		return nil, err
	}

	value, ok := ValueOf(raw)
	if !ok {
		return nil, newError(CodeInvalidValue, path+".value", fmt.Sprintf("unsupported value %v", raw))
	}
	if err := checkValueShape(op, value); err != nil {
		err.Path = path + ".value"
		return nil, err
	}
	return &Leaf{key: key, op: op, value: value}, nil
}

// rejectUnknown fails on the first (alphabetically) field not in allowed
func rejectUnknown(m map[string]any, allowed map[string]bool, path string) error {
	var unknown []string
	for field := range m {
		if !allowed[field] {
			unknown = append(unknown, field)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return newError(CodeUnexpectedField, path+"."+unknown[0], "field not allowed on this node")
}
