package domain

import "time"

// CaseScore is the composite result of scoring one claim.
// A re-evaluation produces a new CaseScore with a higher version.
type CaseScore struct {
	ClaimID        string          `json:"claimId"`
	Version        int             `json:"version"`
	CompositeScore int             `json:"compositeScore"`
	Categories     []CategoryScore `json:"categories"`
	RuleMatches    []RuleMatch     `json:"ruleMatches"`
	FloorApplied   bool            `json:"floorApplied"`
	ComputedAt     time.Time       `json:"computedAt"`
}

// CategoryScore explains how one category contributed to the composite.
type CategoryScore struct {
	Category     Category `json:"category"`
	Score        float64  `json:"score"`
	Weight       float64  `json:"weight"`
	Contribution float64  `json:"contribution"`

	// WeightTotal is the normalized rule weight evaluated in the category.
	WeightTotal float64 `json:"weightTotal"`
	Evaluated   int     `json:"evaluated"`
	Matched     int     `json:"matched"`
}

// Action is the recommended outcome for a case.
type Action string

const (
	ActionValidate      Action = "validate"
	ActionMonitor       Action = "monitor"
	ActionInvestigate   Action = "investigate"
	ActionEscalateLegal Action = "escalate_legal"
	// ActionReject is only ever recorded by a human close.
	ActionReject Action = "reject"
)

// Decision is the recommended action derived from a CaseScore.
type Decision struct {
	Action         Action    `json:"action"`
	ReasonCodes    []string  `json:"reasonCodes"`
	CompositeScore int       `json:"compositeScore"`
	ScoreVersion   int       `json:"scoreVersion"`
	DecidedAt      time.Time `json:"decidedAt"`
}

// Status returns the case status an automatic decision leads to.
func (a Action) Status() CaseStatus {
	switch a {
	case ActionEscalateLegal:
		return StatusEscalated
	case ActionInvestigate:
		return StatusInvestigating
	case ActionMonitor:
		return StatusMonitored
	case ActionReject:
		return StatusClosed
	default:
		return StatusValidated
	}
}

// IsAlert reports whether the action needs human attention.
func (a Action) IsAlert() bool {
	return a == ActionInvestigate || a == ActionEscalateLegal
}
