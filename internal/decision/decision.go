// Package decision maps a composite risk score to a recommended action.
package decision

import (
	"sort"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/scoring"
)

// Policy is a pure mapping from CaseScore to Decision.
type Policy struct {
	escalateAt    int
	investigateAt int
	monitorAt     int
	documentary   float64
	now           func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the clock used for DecidedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// New creates a decision policy. Every threshold in cfg is taken as given,
// zero included.
func New(cfg domain.PolicyConfig, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Policy{
		escalateAt:    cfg.EscalateAt,
		investigateAt: cfg.InvestigateAt,
		monitorAt:     cfg.MonitorAt,
		documentary:   cfg.DocumentaryMinimum,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Decide returns the action for a score. Thresholds are checked from the
// highest down; the documentary override only applies below the monitor
// threshold. Decide never returns ActionReject.
func (p *Policy) Decide(cs *domain.CaseScore) domain.Decision {
	d := domain.Decision{
		Action:         domain.ActionValidate,
		ReasonCodes:    []string{},
		CompositeScore: cs.CompositeScore,
		ScoreVersion:   cs.Version,
		DecidedAt:      p.now().UTC(),
	}

	switch {
	case cs.CompositeScore >= p.escalateAt:
		d.Action = domain.ActionEscalateLegal
		d.ReasonCodes = drivers(cs)
	case cs.CompositeScore >= p.investigateAt:
		d.Action = domain.ActionInvestigate
		d.ReasonCodes = drivers(cs)
	case cs.CompositeScore >= p.monitorAt:
		d.Action = domain.ActionMonitor
		d.ReasonCodes = drivers(cs)
	default:
		if codes := p.documentaryFindings(cs); len(codes) > 0 {
			d.Action = domain.ActionInvestigate
			d.ReasonCodes = codes
		}
	}
	return d
}

// drivers lists matched rule_ids by descending contribution, then rule_id.
func drivers(cs *domain.CaseScore) []string {
	type driver struct {
		id     string
		points float64
	}
	var ds []driver
	for i := range cs.RuleMatches {
		m := &cs.RuleMatches[i]
		if !m.Matched {
			continue
		}
		ds = append(ds, driver{id: m.RuleID, points: scoring.RuleContribution(cs, m)})
	}
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].points != ds[j].points {
			return ds[i].points > ds[j].points
		}
		return ds[i].id < ds[j].id
	})

	codes := make([]string, len(ds))
	for i, d := range ds {
		codes[i] = d.id
	}
	return codes
}

func (p *Policy) documentaryFindings(cs *domain.CaseScore) []string {
	var codes []string
	for _, m := range cs.RuleMatches {
		if m.Matched && m.Category == domain.CategoryDocumentary && m.GradedScore >= p.documentary {
			codes = append(codes, m.RuleID)
		}
	}
	sort.Strings(codes)
	return codes
}
