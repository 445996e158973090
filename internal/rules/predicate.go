package rules

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/axm/internal/domain"
)

// Input is what a predicate sees for one claim.
type Input struct {
	Event    *domain.ClaimEvent
	History  *domain.HistorySnapshot
	Features *Features

	activation map[string]any
}

// NewInput computes features for a claim once so every rule shares them.
func NewInput(ev *domain.ClaimEvent, hist *domain.HistorySnapshot) *Input {
	if hist == nil {
		hist = &domain.HistorySnapshot{}
	}
	f := ComputeFeatures(ev, hist)
	return &Input{
		Event:      ev,
		History:    hist,
		Features:   f,
		activation: f.Activation(ev),
	}
}

// Verdict is a predicate's graded answer. Score is in [0,100]; anything
// above zero counts as a match.
type Verdict struct {
	Score    float64
	Observed float64
	Reason   string
	Features map[string]float64
}

// Predicate is a pure function of the claim and its histories.
type Predicate interface {
	Evaluate(in *Input) (Verdict, error)
}

// PredicateFunc adapts a Go function to Predicate.
type PredicateFunc func(in *Input) (Verdict, error)

// Evaluate calls f.
func (f PredicateFunc) Evaluate(in *Input) (Verdict, error) { return f(in) }

// celPredicate evaluates a compiled CEL program.
type celPredicate struct {
	program cel.Program
	reason  string
}

func (p *celPredicate) Evaluate(in *Input) (Verdict, error) {
	out, _, err := p.program.Eval(in.activation)
	if err != nil {
		return Verdict{}, err
	}
	raw, score, err := toScore(out)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{Score: score, Observed: raw}
	if score > 0 {
		v.Reason = p.reason
	}
	return v, nil
}

// Compiler turns PredicateSpecs into Predicates. Builtins are looked up by
// name; expressions are compiled against a fixed CEL environment.
type Compiler struct {
	env      *cel.Env
	builtins map[string]Predicate
}

// NewCompiler creates the CEL environment and registers the given builtins.
func NewCompiler(builtins map[string]Predicate) (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("amount_minor", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("medication_code", cel.StringType),
		cel.Variable("diagnosis_code", cel.StringType),
		cel.Variable("dosage", cel.IntType),
		cel.Variable("has_pharmacy", cel.BoolType),
		cel.Variable("patient_claims_30d", cel.IntType),
		cel.Variable("patient_pharmacies_30d", cel.IntType),
		cel.Variable("patient_avg_amount", cel.DoubleType),
		cel.Variable("patient_amount_ratio", cel.DoubleType),
		cel.Variable("provider_claims_30d", cel.IntType),
		cel.Variable("provider_claims_total", cel.IntType),
		cel.Variable("provider_pharmacy_links", cel.IntType),
		cel.Variable("provider_late_share", cel.DoubleType),
		cel.Variable("provider_month_end_share", cel.DoubleType),
		cel.Variable("provider_submissions_1h", cel.IntType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_month", cel.IntType),
		cel.Variable("document_count", cel.IntType),
		cel.Variable("has_prescription", cel.BoolType),
		cel.Variable("has_invoice", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	if builtins == nil {
		builtins = map[string]Predicate{}
	}
	return &Compiler{env: env, builtins: builtins}, nil
}

// Builtins returns the registered builtin names in sorted order.
func (c *Compiler) Builtins() []string {
	names := make([]string, 0, len(c.builtins))
	for name := range c.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile validates a rule's predicate and returns its executable form.
func (c *Compiler) Compile(rule *domain.Rule) (Predicate, error) {
	switch rule.Predicate.Kind {
	case domain.PredicateExpression:
		return c.compileExpression(rule)
	case domain.PredicateBuiltin:
		p, ok := c.builtins[rule.Predicate.Builtin]
		if !ok {
			return nil, fmt.Errorf("%w: rule %s: unknown builtin %q", domain.ErrInvalidRule, rule.ID, rule.Predicate.Builtin)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: rule %s: unknown predicate kind %q", domain.ErrInvalidRule, rule.ID, rule.Predicate.Kind)
	}
}

func (c *Compiler) compileExpression(rule *domain.Rule) (Predicate, error) {
	ast, issues := c.env.Compile(rule.Predicate.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrInvalidRule, rule.ID, outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRule, rule.ID, err)
	}

	reason := rule.Name
	if reason == "" {
		reason = rule.ID
	}
	return &celPredicate{program: program, reason: reason}, nil
}

// toScore maps a CEL result to a graded score. Booleans grade 0 or 100;
// numbers are clamped to [0,100].
func toScore(val ref.Val) (raw float64, score float64, err error) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1, 100, nil
		}
		return 0, 0, nil
	case types.Double:
		raw = float64(v)
	case types.Int:
		raw = float64(v)
	default:
		return 0, 0, fmt.Errorf("unexpected result type %s", val.Type())
	}
	if math.IsNaN(raw) {
		return 0, 0, fmt.Errorf("expression produced NaN")
	}
	return raw, clampScore(raw), nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
