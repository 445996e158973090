package engine

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/axm/internal/decision"
	"github.com/opensource-finance/axm/internal/dispatch"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/ledger"
	"github.com/opensource-finance/axm/internal/normalize"
	"github.com/opensource-finance/axm/internal/rules"
	"github.com/opensource-finance/axm/internal/scoring"
	"github.com/opensource-finance/axm/internal/telemetry"
	"github.com/opensource-finance/axm/internal/velocity"
)

// Collaborators are the infrastructure handed to Build. Any of them may be nil.
type Collaborators struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Dispatcher *dispatch.Dispatcher
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Build assembles an Engine from configuration. The default rule pack is
// registered when cfg.Rules.SeedDefaults is set.
func Build(cfg *domain.Config, c Collaborators) (*Engine, error) {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	normalizer, err := normalize.New(cfg.Normalizer)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalizer: %w", err)
	}

	compiler, err := rules.NewCompiler(rules.DefaultBuiltins())
	if err != nil {
		return nil, fmt.Errorf("failed to create rule compiler: %w", err)
	}
	registry := rules.NewRegistry(compiler)
	if cfg.Rules.SeedDefaults {
		if err := registry.Load(rules.DefaultRules()); err != nil {
			return nil, fmt.Errorf("failed to seed default rules: %w", err)
		}
	}

	evalOpts := []rules.EvaluatorOption{rules.WithLogger(c.Logger)}
	if c.Metrics != nil {
		evalOpts = append(evalOpts, rules.WithErrorRecorder(c.Metrics))
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}

	policy, err := decision.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision policy: %w", err)
	}

	entities := ledger.NewEntities(cfg.Ledger.LockStripes, cfg.Ledger.HistoryWindow)

	var vel *velocity.Service
	if c.Cache != nil {
		vel = velocity.NewService(c.Cache)
	}

	return New(Deps{
		Normalizer:   normalizer,
		Registry:     registry,
		Evaluator:    rules.NewEvaluator(evalOpts...),
		Scorer:       scorer,
		Policy:       policy,
		Ledger:       ledger.New(cfg.Ledger, entities),
		Velocity:     vel,
		Dispatcher:   c.Dispatcher,
		Repository:   c.Repository,
		Bus:          c.Bus,
		Metrics:      c.Metrics,
		Logger:       c.Logger,
		BatchWorkers: cfg.Rules.BatchWorkers,
		PackPath:     cfg.Rules.PackPath,
	})
}
