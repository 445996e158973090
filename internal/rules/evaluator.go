package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/axm/internal/domain"
)

// ErrorRecorder is notified of every predicate failure.
type ErrorRecorder interface {
	RuleError(ctx context.Context, ruleID string)
}

// Evaluator runs a snapshot's rules against one claim.
type Evaluator struct {
	maxWorkers int
	recorder   ErrorRecorder
	logger     *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithMaxWorkers bounds how many predicates run concurrently for one claim.
func WithMaxWorkers(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxWorkers = n
		}
	}
}

// WithErrorRecorder installs a recorder for predicate failures.
func WithErrorRecorder(r ErrorRecorder) EvaluatorOption {
	return func(e *Evaluator) { e.recorder = r }
}

// WithLogger sets the logger used for predicate failures.
func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{maxWorkers: 4, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every rule in snap whose category's data is present and
// returns the matches in snapshot order. A failing or panicking predicate is
// recorded as an unmatched RuleMatch carrying the error; the rest still run.
// Evaluation of one claim is never interrupted by ctx.
func (e *Evaluator) Evaluate(ctx context.Context, snap *Snapshot, ev *domain.ClaimEvent, hist *domain.HistorySnapshot) []domain.RuleMatch {
	if snap == nil || len(snap.rules) == 0 {
		return []domain.RuleMatch{}
	}

	in := NewInput(ev, hist)

	results := make([]*domain.RuleMatch, len(snap.rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i := range snap.rules {
		cr := &snap.rules[i]
		if !dataPresent(cr.rule.Category, in.History) {
			continue
		}

		wg.Add(1)
		go func(idx int, cr *compiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			m := e.evaluateRule(ctx, cr, in)
			results[idx] = &m
		}(i, cr)
	}

	wg.Wait()

	matches := make([]domain.RuleMatch, 0, len(results))
	for _, m := range results {
		if m != nil {
			matches = append(matches, *m)
		}
	}
	return matches
}

// evaluateRule evaluates a single rule, converting errors and panics into
// evidence.
func (e *Evaluator) evaluateRule(ctx context.Context, cr *compiledRule, in *Input) (m domain.RuleMatch) {
	m = domain.RuleMatch{
		RuleID:   cr.rule.ID,
		Version:  cr.rule.Version,
		Category: cr.rule.Category,
		Priority: cr.rule.Priority,
		Weight:   cr.rule.Weight,
	}

	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, &m, &domain.RuleEvaluationError{
				RuleID:  cr.rule.ID,
				Version: cr.rule.Version,
				Err:     fmt.Errorf("panic: %v", r),
			})
		}
	}()

	v, err := cr.pred.Evaluate(in)
	if err != nil {
		e.fail(ctx, &m, &domain.RuleEvaluationError{RuleID: cr.rule.ID, Version: cr.rule.Version, Err: err})
		return m
	}

	score := clampScore(v.Score)
	m.GradedScore = score
	m.Matched = score > 0
	m.Evidence = domain.Evidence{
		Reason:   v.Reason,
		Observed: v.Observed,
		Features: v.Features,
	}
	return m
}

func (e *Evaluator) fail(ctx context.Context, m *domain.RuleMatch, err *domain.RuleEvaluationError) {
	m.Matched = false
	m.GradedScore = 0
	m.Evidence = domain.Evidence{Error: err.Error()}

	e.logger.Warn("rule evaluation failed",
		"rule_id", err.RuleID,
		"version", err.Version,
		"error", err.Err,
	)
	if e.recorder != nil {
		e.recorder.RuleError(ctx, err.RuleID)
	}
}

// dataPresent reports whether the histories a category depends on exist.
func dataPresent(c domain.Category, h *domain.HistorySnapshot) bool {
	switch c {
	case domain.CategoryBehavioral, domain.CategoryTemporal:
		return h.HasPatient || h.HasProvider
	case domain.CategoryRelational:
		return h.HasProvider && h.HasPharmacy
	default:
		return true
	}
}
