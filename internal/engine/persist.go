package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/axm/internal/dispatch"
	"github.com/opensource-finance/axm/internal/domain"
)

const (
	collaboratorRepository = "repository"
	collaboratorBus        = "event_bus"
)

// retryable marks collaborator errors as transient unless they report bad input.
func retryable(err error) error {
	if err == nil || errors.Is(err, domain.ErrInvalidInput) {
		return err
	}
	return dispatch.Transient(err)
}

func (e *Engine) enqueue(ctx context.Context, job dispatch.Job) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Submit(ctx, job); err != nil {
		e.logger.Warn("collaborator call not queued",
			"job_id", job.ID,
			"collaborator", job.Collaborator,
			"operation", job.Operation,
			"error", err,
		)
	}
}

func (e *Engine) persistClaim(ctx context.Context, ev *domain.ClaimEvent) {
	if e.repo == nil {
		return
	}
	claim := *ev
	e.enqueue(ctx, dispatch.Job{
		ID:           "claim:" + claim.ClaimID,
		Key:          claim.ClaimID,
		Collaborator: collaboratorRepository,
		Operation:    "save_claim",
		Do: func(ctx context.Context) error {
			return retryable(e.repo.SaveClaim(ctx, &claim))
		},
	})
}

// persistCase saves the case for c.ClaimID. The job id changes with every
// recorded score or transition so each state is written once. Jobs for one
// claim run in order and write the case as it is when they run, so the last
// write always carries the latest state.
func (e *Engine) persistCase(ctx context.Context, c *domain.Case) {
	if e.repo == nil {
		return
	}
	claimID := c.ClaimID
	e.enqueue(ctx, dispatch.Job{
		ID:           fmt.Sprintf("case:%s:%d:%d:%d", claimID, c.Generation, len(c.ScoreHistory), len(c.Transitions)),
		Key:          claimID,
		Collaborator: collaboratorRepository,
		Operation:    "save_case",
		Do: func(ctx context.Context) error {
			current, err := e.ledger.Get(claimID)
			if err != nil {
				return err
			}
			return retryable(e.repo.SaveCase(ctx, &current))
		},
	})
}

// persistEntities saves each entity in refs as it is when the job runs.
// cause distinguishes the change that triggered the write.
func (e *Engine) persistEntities(ctx context.Context, cause string, refs ...domain.EntityRef) {
	if e.repo == nil {
		return
	}
	for _, ref := range refs {
		ent, err := e.entities.Get(ref)
		if err != nil {
			continue
		}
		e.enqueue(ctx, dispatch.Job{
			ID:           fmt.Sprintf("entity:%s:%s:%d:%t", ref.Key(), cause, len(ent.History), ent.Active),
			Key:          ref.Key(),
			Collaborator: collaboratorRepository,
			Operation:    "save_entity",
			Do: func(ctx context.Context) error {
				current, err := e.entities.Get(ref)
				if err != nil {
					return err
				}
				return retryable(e.repo.SaveEntity(ctx, &current))
			},
		})
	}
}

func (e *Engine) persistRuleVersions(ctx context.Context, ruleID string) {
	if e.repo == nil {
		return
	}
	versions, err := e.registry.Versions(ruleID)
	if err != nil {
		return
	}
	for _, rule := range versions {
		e.enqueue(ctx, dispatch.Job{
			ID:           fmt.Sprintf("rule:%s:%s:%t:%d", rule.ID, rule.Version, rule.Active, rule.UpdatedAt.UnixNano()),
			Key:          "rule:" + rule.ID,
			Collaborator: collaboratorRepository,
			Operation:    "save_rule",
			Do: func(ctx context.Context) error {
				current := rule
				if latest, err := e.registry.Versions(rule.ID); err == nil {
					for _, r := range latest {
						if r.Version == rule.Version {
							current = r
						}
					}
				}
				return retryable(e.repo.SaveRule(ctx, &current))
			},
		})
	}
}

func (e *Engine) publishScored(ctx context.Context, c *domain.Case) {
	evt := caseEvent(c)
	e.publish(ctx, domain.TopicCaseScored, c, evt)
	if evt.Decision != nil && evt.Decision.Action.IsAlert() {
		e.publish(ctx, domain.TopicCaseAlert, c, evt)
	}
}

func (e *Engine) publishClosed(ctx context.Context, c *domain.Case) {
	e.publish(ctx, domain.TopicCaseClosed, c, caseEvent(c))
}

func (e *Engine) publish(ctx context.Context, topic string, c *domain.Case, evt domain.CaseEvent) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		e.logger.Error("failed to encode case event", "claim_id", c.ClaimID, "error", err)
		return
	}
	key := c.ClaimID
	e.enqueue(ctx, dispatch.Job{
		ID:           fmt.Sprintf("%s:%s:%d:%d:%d", topic, key, c.Generation, len(c.ScoreHistory), len(c.Transitions)),
		Key:          key,
		Collaborator: collaboratorBus,
		Operation:    "publish " + topic,
		Do: func(ctx context.Context) error {
			return retryable(e.bus.Publish(ctx, topic, key, payload))
		},
	})
}

func caseEvent(c *domain.Case) domain.CaseEvent {
	return domain.CaseEvent{
		ClaimID:    c.ClaimID,
		Generation: c.Generation,
		Status:     c.Status,
		Score:      c.LatestScore(),
		Decision:   c.LatestDecision(),
		Resolution: c.Resolution,
	}
}
