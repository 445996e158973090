package domain

import "time"

// CaseStatus is a state in the case lifecycle.
type CaseStatus string

const (
	StatusReceived      CaseStatus = "received"
	StatusScored        CaseStatus = "scored"
	StatusValidated     CaseStatus = "validated"
	StatusMonitored     CaseStatus = "monitored"
	StatusInvestigating CaseStatus = "investigating"
	StatusEscalated     CaseStatus = "escalated"
	StatusClosed        CaseStatus = "closed"
)

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusScored, StatusValidated, StatusMonitored,
		StatusInvestigating, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// Resolution records how a human closed a case.
type Resolution string

const (
	ResolutionConfirmedFraud Resolution = "confirmed_fraud"
	ResolutionCleared        Resolution = "cleared"
	ResolutionRejected       Resolution = "reject"
	ResolutionRecovered      Resolution = "recovered"
	ResolutionExpired        Resolution = "expired"
)

// Valid reports whether r may be supplied by a human close.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionConfirmedFraud, ResolutionCleared, ResolutionRejected, ResolutionRecovered:
		return true
	}
	return false
}

// Case is the lifecycle record tying a claim to its scores and decisions.
type Case struct {
	ClaimID    string     `json:"claimId"`
	Generation int        `json:"generation"`
	Status     CaseStatus `json:"status"`
	Event      ClaimEvent `json:"event"`

	ScoreHistory    []CaseScore  `json:"scoreHistory"`
	DecisionHistory []Decision   `json:"decisionHistory"`
	Transitions     []Transition `json:"transitions"`

	Resolution   Resolution `json:"resolution,omitempty"`
	ReopenedFrom *Lineage   `json:"reopenedFrom,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LatestScore returns the most recent score, or nil.
func (c *Case) LatestScore() *CaseScore {
	if len(c.ScoreHistory) == 0 {
		return nil
	}
	return &c.ScoreHistory[len(c.ScoreHistory)-1]
}

// LatestDecision returns the most recent decision, or nil.
func (c *Case) LatestDecision() *Decision {
	if len(c.DecisionHistory) == 0 {
		return nil
	}
	return &c.DecisionHistory[len(c.DecisionHistory)-1]
}

// Transition is one recorded status change.
type Transition struct {
	From  CaseStatus `json:"from"`
	To    CaseStatus `json:"to"`
	Actor string     `json:"actor"`
	Note  string     `json:"note,omitempty"`
	At    time.Time  `json:"at"`
}

// Lineage points a reopened case at the generation it replaced.
type Lineage struct {
	Generation int        `json:"generation"`
	Resolution Resolution `json:"resolution,omitempty"`
	ClosedAt   time.Time  `json:"closedAt"`
}

// Actors recorded on automatic transitions.
const (
	ActorEngine = "engine"
	ActorSweep  = "retention-sweep"
)
