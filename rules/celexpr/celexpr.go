// Package celexpr renders checks as CEL source and compiles them with cel-go.
//
// The rendered expression reads facts from a single map variable named
// "facts" and agrees with rules.EvaluateCheck for every supported fact type:
// an absent key is false, ordering operators only hold between numbers and
// contains is substring for strings or membership for lists. Rendering is an
// authoring aid; request evaluation always goes through package rules.
package celexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/fraudrules/rules"
)

// CostLimit bounds the runtime cost of a single compiled program
const CostLimit = 1000000

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// Env returns the shared CEL environment: one variable, facts, of type
// map(string, dyn)
func Env() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
		if envErr != nil {
			envErr = fmt.Errorf("failed to create CEL environment: %w", envErr)
		}
	})
	return env, envErr
}

// Render returns the CEL source for check. A nil check renders as false.
func Render(check rules.Check) string {
	var b strings.Builder
	render(&b, check)
	return b.String()
}

func render(b *strings.Builder, check rules.Check) {
	switch c := check.(type) {
	case *rules.Leaf:
		if c == nil {
			b.WriteString("false")
			return
		}
		renderLeaf(b, c)
	case *rules.List:
		if c == nil {
			b.WriteString("false")
			return
		}
		sep := " && "
		if c.Operator() == rules.OpOr {
			sep = " || "
		}
		b.WriteByte('(')
		for i, child := range c.Checks() {
			if i > 0 {
				b.WriteString(sep)
			}
			render(b, child)
		}
		b.WriteByte(')')
	default:
		b.WriteString("false")
	}
}

func renderLeaf(b *strings.Builder, l *rules.Leaf) {
	key := strconv.Quote(l.Key())
	fact := "facts[" + key + "]"
	lit := literal(l.Value())

	fmt.Fprintf(b, "(%s in facts && ", key)
	switch l.Operator() {
	case rules.OpEquals:
		fmt.Fprintf(b, "%s == %s", fact, lit)
	case rules.OpNotEquals:
		fmt.Fprintf(b, "%s != %s", fact, lit)
	case rules.OpLessThan:
		fmt.Fprintf(b, "%s && %s < %s", isNumber(fact), fact, lit)
	case rules.OpLessThanOrEqual:
		fmt.Fprintf(b, "%s && %s <= %s", isNumber(fact), fact, lit)
	case rules.OpGreaterThan:
		fmt.Fprintf(b, "%s && %s > %s", isNumber(fact), fact, lit)
	case rules.OpGreaterThanOrEqual:
		fmt.Fprintf(b, "%s && %s >= %s", isNumber(fact), fact, lit)
	case rules.OpIn:
		fmt.Fprintf(b, "%s in %s", fact, lit)
	case rules.OpNotIn:
		fmt.Fprintf(b, "!(%s in %s)", fact, lit)
	case rules.OpContains:
		if l.Value().Kind() == rules.KindString {
			fmt.Fprintf(b, "((type(%s) == string && %s.contains(%s)) || (type(%s) == list && %s in %s))",
				fact, fact, lit, fact, lit, fact)
		} else {
			fmt.Fprintf(b, "type(%s) == list && %s in %s", fact, lit, fact)
		}
	default:
		b.WriteString("false")
	}
	b.WriteByte(')')
}

func isNumber(fact string) string {
	return fmt.Sprintf("(type(%[1]s) == int || type(%[1]s) == uint || type(%[1]s) == double)", fact)
}

// literal renders v as a CEL literal. Numbers are always doubles.
func literal(v rules.Value) string {
	switch v.Kind() {
	case rules.KindNumber:
		f, _ := v.Float()
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case rules.KindString:
		s, _ := v.Str()
		return strconv.Quote(s)
	case rules.KindBool:
		bv, _ := v.BoolValue()
		return strconv.FormatBool(bv)
	case rules.KindList:
		items := v.Items()
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = literal(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "null"
	}
}

// Compile renders and compiles check into a boolean program
func Compile(check rules.Check) (cel.Program, error) {
	return compileSource(Render(check))
}

func compileSource(src string) (cel.Program, error) {
	e, err := Env()
	if err != nil {
		return nil, err
	}
	ast, issues := e.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q has type %s, want bool", src, ast.OutputType())
	}
	prog, err := e.Program(ast, cel.CostLimit(CostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// EvalCheck runs a program produced by Compile against facts. A non-boolean
// result is treated as false.
func EvalCheck(prog cel.Program, facts rules.Facts) (bool, error) {
	if facts == nil {
		facts = rules.Facts{}
	}
	out, _, err := prog.Eval(map[string]any{"facts": map[string]any(facts)})
	if err != nil {
		return false, err
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}

// Source is the rendered expression for one rule
type Source struct {
	Key        string        `json:"key"`
	Outcome    rules.Outcome `json:"outcome"`
	Expression string        `json:"expression"`
}

// Program is a compiled ruleset
type Program struct {
	sources  []Source
	programs []cel.Program
}

// CompileRuleset compiles every rule of rs in order
func CompileRuleset(rs *rules.Ruleset) (*Program, error) {
	p := &Program{}
	for _, r := range rs.Rules() {
		src := Render(r.Check())
		prog, err := compileSource(src)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", r.Key(), err)
		}
		p.sources = append(p.sources, Source{Key: r.Key(), Outcome: r.Outcome(), Expression: src})
		p.programs = append(p.programs, prog)
	}
	return p, nil
}

// Sources returns the rendered expressions in rule order
func (p *Program) Sources() []Source {
	out := make([]Source, len(p.sources))
	copy(out, p.sources)
	return out
}

// Evaluate runs every rule and aggregates the same way as
// rules.EvaluateRuleset. A rule whose evaluation fails counts as not matched
// and its error is included in the joined error.
func (p *Program) Evaluate(facts rules.Facts) (rules.Decision, error) {
	var (
		matches []rules.Match
		errs    []error
	)
	for i, prog := range p.programs {
		src := p.sources[i]
		ok, err := EvalCheck(prog, facts)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", src.Key, err))
			continue
		}
		if ok {
			matches = append(matches, rules.Match{Key: src.Key, Outcome: src.Outcome})
		}
	}
	return rules.Aggregate(matches), errors.Join(errs...)
}
