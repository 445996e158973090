package ledger

import (
	"maps"
	"slices"

	"github.com/opensource-finance/axm/internal/domain"
)

func cloneCase(c *domain.Case) domain.Case {
	out := *c
	out.Event = cloneEvent(&c.Event)

	out.ScoreHistory = make([]domain.CaseScore, len(c.ScoreHistory))
	for i := range c.ScoreHistory {
		out.ScoreHistory[i] = CloneScore(&c.ScoreHistory[i])
	}

	out.DecisionHistory = make([]domain.Decision, len(c.DecisionHistory))
	for i, d := range c.DecisionHistory {
		d.ReasonCodes = slices.Clone(d.ReasonCodes)
		out.DecisionHistory[i] = d
	}

	out.Transitions = slices.Clone(c.Transitions)
	if c.ReopenedFrom != nil {
		lin := *c.ReopenedFrom
		out.ReopenedFrom = &lin
	}
	return out
}

func cloneEvent(ev *domain.ClaimEvent) domain.ClaimEvent {
	out := *ev
	out.Documents = make([]domain.Document, len(ev.Documents))
	for i, d := range ev.Documents {
		if d.IssuedAt != nil {
			t := *d.IssuedAt
			d.IssuedAt = &t
		}
		out.Documents[i] = d
	}
	return out
}

// CloneScore returns a copy of cs that shares no memory with it.
func CloneScore(cs *domain.CaseScore) domain.CaseScore {
	out := *cs
	out.Categories = slices.Clone(cs.Categories)
	out.RuleMatches = make([]domain.RuleMatch, len(cs.RuleMatches))
	for i, m := range cs.RuleMatches {
		m.Evidence.Features = maps.Clone(m.Evidence.Features)
		out.RuleMatches[i] = m
	}
	return out
}
