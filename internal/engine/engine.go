// Package engine wires the claim pipeline together: normalize, evaluate,
// score, decide, record, then hand persistence and notification to the
// dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/axm/internal/decision"
	"github.com/opensource-finance/axm/internal/dispatch"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/ledger"
	"github.com/opensource-finance/axm/internal/normalize"
	"github.com/opensource-finance/axm/internal/rules"
	"github.com/opensource-finance/axm/internal/scoring"
	"github.com/opensource-finance/axm/internal/telemetry"
	"github.com/opensource-finance/axm/internal/velocity"
	"go.opentelemetry.io/otel/attribute"
)

// Deps are the components an Engine is built from. Velocity, Dispatcher,
// Repository, Bus and Metrics are optional.
type Deps struct {
	Normalizer *normalize.Normalizer
	Registry   *rules.Registry
	Evaluator  *rules.Evaluator
	Scorer     *scoring.Scorer
	Policy     *decision.Policy
	Ledger     *ledger.Ledger

	Velocity   *velocity.Service
	Dispatcher *dispatch.Dispatcher
	Repository domain.Repository
	Bus        domain.EventBus
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger

	BatchWorkers int
	PackPath     string
}

// Engine is the entry point for claim submission, rule administration and
// case queries.
type Engine struct {
	normalizer *normalize.Normalizer
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	scorer     *scoring.Scorer
	policy     *decision.Policy
	ledger     *ledger.Ledger
	entities   *ledger.Entities

	velocity   *velocity.Service
	dispatcher *dispatch.Dispatcher
	repo       domain.Repository
	bus        domain.EventBus
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	batchWorkers int
	packPath     string
}

// Outcome is the result of scoring one claim.
type Outcome struct {
	ClaimID    string            `json:"claimId"`
	Generation int               `json:"generation"`
	Status     domain.CaseStatus `json:"status"`
	Score      domain.CaseScore  `json:"caseScore"`
	Decision   domain.Decision   `json:"decision"`

	// RuleSet is the registry snapshot the claim was evaluated against.
	RuleSet uint64 `json:"ruleSet"`
}

// Result is one entry of a batch submission.
type Result struct {
	Outcome *Outcome
	Err     error
}

// New creates an engine from its components.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Normalizer == nil:
		return nil, errors.New("engine: normalizer is required")
	case d.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case d.Scorer == nil:
		return nil, errors.New("engine: scorer is required")
	case d.Policy == nil:
		return nil, errors.New("engine: policy is required")
	case d.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	}
	if d.Evaluator == nil {
		d.Evaluator = rules.NewEvaluator()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.BatchWorkers <= 0 {
		d.BatchWorkers = 8
	}

	return &Engine{
		normalizer:   d.Normalizer,
		registry:     d.Registry,
		evaluator:    d.Evaluator,
		scorer:       d.Scorer,
		policy:       d.Policy,
		ledger:       d.Ledger,
		entities:     d.Ledger.Entities(),
		velocity:     d.Velocity,
		dispatcher:   d.Dispatcher,
		repo:         d.Repository,
		bus:          d.Bus,
		metrics:      d.Metrics,
		logger:       d.Logger,
		batchWorkers: d.BatchWorkers,
		packPath:     d.PackPath,
	}, nil
}

// SubmitClaim runs one JSON claim payload through the pipeline against the
// current rule snapshot. Resubmitting an open claim re-scores it.
func (e *Engine) SubmitClaim(ctx context.Context, payload []byte) (Outcome, error) {
	start := time.Now()

	ev, err := e.normalizer.Normalize(payload)
	if err != nil {
		e.metrics.ClaimProcessed(ctx, "malformed", time.Since(start).Seconds())
		return Outcome{}, err
	}
	return e.submit(ctx, e.registry.Snapshot(), ev, start)
}

// SubmitEvent scores an already normalized claim.
func (e *Engine) SubmitEvent(ctx context.Context, ev *domain.ClaimEvent) (Outcome, error) {
	return e.submit(ctx, e.registry.Snapshot(), ev, time.Now())
}

// SubmitBatch scores payloads in parallel against a single rule snapshot and
// returns one Result per payload in input order. A failing claim does not
// affect the others. Once ctx is done, claims not yet started fail with the
// context error; claims already started finish.
func (e *Engine) SubmitBatch(ctx context.Context, payloads [][]byte) []Result {
	snap := e.registry.Snapshot()
	results := make([]Result, len(payloads))

	sem := make(chan struct{}, e.batchWorkers)
	var wg sync.WaitGroup

	for i, payload := range payloads {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		}
		if err := ctx.Err(); err != nil {
			<-sem
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			ev, err := e.normalizer.Normalize(payload)
			if err != nil {
				e.metrics.ClaimProcessed(ctx, "malformed", time.Since(start).Seconds())
				results[i].Err = err
				return
			}
			out, err := e.submit(context.WithoutCancel(ctx), snap, ev, start)
			if err != nil {
				results[i].Err = err
				return
			}
			results[i].Outcome = &out
		}(i, payload)
	}

	wg.Wait()
	return results
}

func (e *Engine) submit(ctx context.Context, snap *rules.Snapshot, ev *domain.ClaimEvent, start time.Time) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "axm.claim", attribute.String("claim_id", ev.ClaimID))
	defer span.End()

	c, isNew, err := e.receive(ev)
	if err != nil {
		span.RecordError(err)
		e.metrics.ClaimProcessed(ctx, "rejected", time.Since(start).Seconds())
		return Outcome{}, err
	}
	ev = &c.Event

	hist := e.entities.Snapshot(ev)
	if e.velocity != nil {
		counts, err := e.velocity.Observe(ctx, ev)
		if err != nil {
			e.logger.Warn("velocity unavailable", "claim_id", ev.ClaimID, "error", err)
		} else {
			hist.Velocity = counts
		}
	}

	matches := e.evaluator.Evaluate(ctx, snap, ev, hist)
	score := e.scorer.Score(ev.ClaimID, len(c.ScoreHistory)+1, matches)
	dec := e.policy.Decide(&score)

	updated, err := e.ledger.RecordScore(ev.ClaimID, score, dec)
	if err != nil {
		span.RecordError(err)
		e.metrics.ClaimProcessed(ctx, "rejected", time.Since(start).Seconds())
		return Outcome{}, err
	}
	e.entities.Record(ev)

	out := Outcome{
		ClaimID:    updated.ClaimID,
		Generation: updated.Generation,
		Status:     updated.Status,
		Score:      *updated.LatestScore(),
		Decision:   *updated.LatestDecision(),
		RuleSet:    snap.Seq(),
	}

	if isNew {
		e.persistClaim(ctx, ev)
	}
	e.persistCase(ctx, &updated)
	e.persistEntities(ctx, ev.ClaimID, ev.EntityRefs()...)
	e.publishScored(ctx, &updated)

	span.SetAttributes(
		attribute.Int("composite_score", out.Score.CompositeScore),
		attribute.String("action", string(out.Decision.Action)),
	)
	e.metrics.ClaimProcessed(ctx, "scored", time.Since(start).Seconds())
	e.metrics.Decision(ctx, string(out.Decision.Action), out.Score.CompositeScore)

	e.logger.Debug("claim scored",
		"claim_id", out.ClaimID,
		"generation", out.Generation,
		"score_version", out.Score.Version,
		"composite_score", out.Score.CompositeScore,
		"action", out.Decision.Action,
		"status", out.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return out, nil
}

// receive opens a case for ev or, when the claim is already open, returns the
// existing case so that it is re-scored with its original event.
func (e *Engine) receive(ev *domain.ClaimEvent) (domain.Case, bool, error) {
	c, err := e.ledger.Receive(ev)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, domain.ErrDuplicateClaim) {
		return domain.Case{}, false, err
	}
	c, err = e.ledger.Get(ev.ClaimID)
	if err != nil {
		return domain.Case{}, false, err
	}
	return c, false, nil
}

// GetCase returns a copy of the case for claimID.
func (e *Engine) GetCase(claimID string) (domain.Case, error) {
	return e.ledger.Get(claimID)
}

// ListCasesByStatus lists cases in one status, or every case for "". The
// sequence is restartable.
func (e *Engine) ListCasesByStatus(status domain.CaseStatus) (iter.Seq[domain.Case], error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	return e.ledger.ListByStatus(status), nil
}

// CloseCase closes a decided case with a human resolution.
func (e *Engine) CloseCase(ctx context.Context, claimID string, resolution domain.Resolution, actor, note string) (domain.Case, error) {
	c, err := e.ledger.Close(claimID, resolution, actor, note)
	if err != nil {
		return domain.Case{}, err
	}

	e.logger.Info("case closed",
		"claim_id", claimID,
		"resolution", resolution,
		"actor", actor,
	)
	e.persistCase(ctx, &c)
	e.publishClosed(ctx, &c)
	return c, nil
}

// ReopenCase reopens a closed case as a new generation and re-scores it
// against the current rules.
func (e *Engine) ReopenCase(ctx context.Context, claimID, actor, reason string) (Outcome, error) {
	c, err := e.ledger.Reopen(claimID, actor, reason)
	if err != nil {
		return Outcome{}, err
	}

	e.logger.Info("case reopened",
		"claim_id", claimID,
		"generation", c.Generation,
		"actor", actor,
	)
	return e.submit(ctx, e.registry.Snapshot(), &c.Event, time.Now())
}

// Sweep closes expired validated and monitored cases and prunes entity
// history outside the window. It returns the closed claim_ids.
func (e *Engine) Sweep(ctx context.Context, now time.Time) []string {
	closed := e.ledger.Sweep(now)
	pruned := e.entities.Prune(now)

	for _, id := range closed {
		c, err := e.ledger.Get(id)
		if err != nil {
			continue
		}
		e.persistCase(ctx, &c)
		e.publishClosed(ctx, &c)
	}

	if len(closed) > 0 || pruned > 0 {
		e.logger.Info("retention sweep",
			"closed", len(closed),
			"history_pruned", pruned,
		)
	}
	return closed
}

// GetEntity returns a copy of one entity and its history.
func (e *Engine) GetEntity(ref domain.EntityRef) (domain.Entity, error) {
	if !ref.Kind.Valid() {
		return domain.Entity{}, fmt.Errorf("%w: unknown entity kind %q", domain.ErrInvalidInput, ref.Kind)
	}
	return e.entities.Get(ref)
}

// DeactivateEntity stops an entity's history from feeding later evaluations.
// The entity and its history are kept.
func (e *Engine) DeactivateEntity(ctx context.Context, ref domain.EntityRef, actor string) (domain.Entity, error) {
	if !ref.Kind.Valid() {
		return domain.Entity{}, fmt.Errorf("%w: unknown entity kind %q", domain.ErrInvalidInput, ref.Kind)
	}
	if actor == "" {
		return domain.Entity{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	if err := e.entities.Deactivate(ref); err != nil {
		return domain.Entity{}, err
	}

	e.logger.Info("entity deactivated", "entity", ref.Key(), "actor", actor)
	e.persistEntities(ctx, "deactivate", ref)
	return e.entities.Get(ref)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(ctx, now)
		}
	}
}

// Ready reports whether the collaborators behind the engine are reachable.
func (e *Engine) Ready(ctx context.Context) error {
	if e.repo != nil {
		if err := e.repo.Ping(ctx); err != nil {
			return fmt.Errorf("repository: %w", err)
		}
	}
	if e.bus != nil {
		if err := e.bus.Ping(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
	}
	return nil
}
