package ledger

import "github.com/opensource-finance/axm/internal/domain"

// legal lists every permitted status change.
var legal = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusReceived: {domain.StatusScored},
	domain.StatusScored: {
		domain.StatusValidated,
		domain.StatusMonitored,
		domain.StatusInvestigating,
		domain.StatusEscalated,
	},
	domain.StatusValidated:     {domain.StatusClosed},
	domain.StatusMonitored:     {domain.StatusClosed},
	domain.StatusInvestigating: {domain.StatusClosed},
	domain.StatusEscalated:     {domain.StatusClosed},
	domain.StatusClosed:        {domain.StatusReceived},
}

// CanTransition reports whether from -> to is in the state table.
func CanTransition(from, to domain.CaseStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// decided reports whether a case sits in one of the post-decision states.
func decided(s domain.CaseStatus) bool {
	switch s {
	case domain.StatusValidated, domain.StatusMonitored, domain.StatusInvestigating, domain.StatusEscalated:
		return true
	}
	return false
}

// humanOnly reports whether leaving s requires a human actor.
func humanOnly(s domain.CaseStatus) bool {
	return s == domain.StatusInvestigating || s == domain.StatusEscalated
}

func automatic(actor string) bool {
	return actor == domain.ActorEngine || actor == domain.ActorSweep
}
