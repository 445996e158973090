package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/rules"
)

// RegisterRule adds a rule version to the registry.
func (e *Engine) RegisterRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	registered, err := e.registry.Register(rule)
	if err != nil {
		return domain.Rule{}, err
	}

	e.logger.Info("rule registered",
		"rule_id", registered.ID,
		"version", registered.Version,
		"active", registered.Active,
	)
	e.persistRuleVersions(ctx, registered.ID)
	return registered, nil
}

// ActivateRule makes version the only active version of ruleID. An empty
// version selects the highest registered one.
func (e *Engine) ActivateRule(ctx context.Context, ruleID, version string) (domain.Rule, error) {
	rule, err := e.registry.Activate(ruleID, version)
	if err != nil {
		return domain.Rule{}, err
	}

	e.logger.Info("rule activated", "rule_id", rule.ID, "version", rule.Version)
	e.persistRuleVersions(ctx, rule.ID)
	return rule, nil
}

// DeactivateRule retires the active version of ruleID.
func (e *Engine) DeactivateRule(ctx context.Context, ruleID string) (domain.Rule, error) {
	rule, err := e.registry.Deactivate(ruleID)
	if err != nil {
		return domain.Rule{}, err
	}

	e.logger.Info("rule deactivated", "rule_id", rule.ID, "version", rule.Version)
	e.persistRuleVersions(ctx, rule.ID)
	return rule, nil
}

// ListRules returns every registered rule version.
func (e *Engine) ListRules() []domain.Rule {
	return e.registry.List()
}

// RuleVersions returns every version of one rule.
func (e *Engine) RuleVersions(ruleID string) ([]domain.Rule, error) {
	return e.registry.Versions(ruleID)
}

// ActiveRules returns the active rule set in evaluation order.
func (e *Engine) ActiveRules() []domain.Rule {
	return e.registry.Snapshot().Rules()
}

// ReloadRules registers any rule versions found in the repository and the
// configured rule pack that the registry does not hold yet. It returns the
// number of versions added.
func (e *Engine) ReloadRules(ctx context.Context) (int, error) {
	added, _, err := e.reloadRules(ctx)
	return added, err
}

func (e *Engine) reloadRules(ctx context.Context) (int, []*domain.Rule, error) {
	before := len(e.registry.List())

	var errs []error
	var stored []*domain.Rule
	if e.repo != nil {
		var err error
		stored, err = e.repo.ListRules(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stored rules: %w", err))
		}
		batch := make([]domain.Rule, 0, len(stored))
		for _, r := range stored {
			batch = append(batch, *r)
		}
		if err := e.registry.Load(batch); err != nil {
			errs = append(errs, err)
		}
	}

	if e.packPath != "" {
		pack, err := rules.LoadPack(e.packPath)
		if err != nil {
			errs = append(errs, err)
		} else if err := e.registry.Load(pack); err != nil {
			errs = append(errs, err)
		}
	}

	added := len(e.registry.List()) - before
	e.logger.Info("rules reloaded",
		"added", added,
		"active", e.registry.Snapshot().Len(),
	)
	return added, stored, errors.Join(errs...)
}

// applyStoredActivation makes the registry agree with the stored active flags
// for every rule_id the repository knows. A rule with no stored active version
// is deactivated, even when the default pack registered it as active.
func (e *Engine) applyStoredActivation(stored []*domain.Rule) error {
	known := make(map[string]bool)
	active := make(map[string]*domain.Rule)
	for _, r := range stored {
		known[r.ID] = true
		if !r.Active {
			continue
		}
		if cur, ok := active[r.ID]; !ok || r.UpdatedAt.After(cur.UpdatedAt) {
			active[r.ID] = r
		}
	}

	var errs []error
	for id := range known {
		if r, ok := active[id]; ok {
			if _, err := e.registry.Activate(id, r.Version); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if _, err := e.registry.Deactivate(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore rebuilds the registry, ledger and entity histories from the
// repository. It is meant to run once at startup before claims arrive.
func (e *Engine) Restore(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}

	_, stored, err := e.reloadRules(ctx)
	if err != nil {
		return fmt.Errorf("restore rules: %w", err)
	}
	if err := e.applyStoredActivation(stored); err != nil {
		return fmt.Errorf("restore rule activation: %w", err)
	}

	cases, err := e.repo.ListCases(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("restore cases: %w", err)
	}
	for _, c := range cases {
		e.ledger.Restore(*c)
	}

	entities, err := e.repo.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("restore entities: %w", err)
	}
	for _, ent := range entities {
		e.entities.Restore(*ent)
	}

	e.logger.Info("state restored",
		"rules", len(e.registry.List()),
		"cases", len(cases),
		"entities", len(entities),
	)
	return nil
}
