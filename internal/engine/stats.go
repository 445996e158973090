package engine

import (
	"iter"

	"github.com/opensource-finance/axm/internal/domain"
)

// Stats summarizes the ledger for dashboards.
type Stats struct {
	Cases        int                       `json:"cases"`
	ByStatus     map[domain.CaseStatus]int `json:"byStatus"`
	ByAction     map[domain.Action]int     `json:"byAction"`
	ByResolution map[domain.Resolution]int `json:"byResolution"`
	OpenAlerts   int                       `json:"openAlerts"`
	AverageScore float64                   `json:"averageScore"`

	// Outcomes of closed cases the engine alerted on. Confirmed fraud and
	// recovered count as detections, cleared as false positives.
	AlertsResolved    int     `json:"alertsResolved"`
	DetectionRate     float64 `json:"detectionRate"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`

	// Amount held by open cases, in minor units, by currency then action.
	AmountAtRisk map[string]map[domain.Action]int64 `json:"amountAtRiskMinor"`
}

// Stats computes ledger statistics from the latest decision of every case.
func (e *Engine) Stats() Stats {
	s := Stats{
		ByStatus:     make(map[domain.CaseStatus]int),
		ByAction:     make(map[domain.Action]int),
		ByResolution: make(map[domain.Resolution]int),
		AmountAtRisk: make(map[string]map[domain.Action]int64),
	}

	var scoreSum, scored int
	var detected, cleared int
	for c := range e.ledger.ListByStatus("") {
		s.Cases++
		s.ByStatus[c.Status]++
		if isAlertStatus(c.Status) {
			s.OpenAlerts++
		}

		if score := c.LatestScore(); score != nil {
			scoreSum += score.CompositeScore
			scored++
		}

		dec := c.LatestDecision()
		if dec == nil {
			continue
		}
		s.ByAction[dec.Action]++

		if c.Status != domain.StatusClosed {
			byAction := s.AmountAtRisk[c.Event.Currency]
			if byAction == nil {
				byAction = make(map[domain.Action]int64)
				s.AmountAtRisk[c.Event.Currency] = byAction
			}
			byAction[dec.Action] += c.Event.AmountMinor
			continue
		}

		s.ByResolution[c.Resolution]++
		if !dec.Action.IsAlert() {
			continue
		}
		switch c.Resolution {
		case domain.ResolutionConfirmedFraud, domain.ResolutionRecovered:
			detected++
		case domain.ResolutionCleared:
			cleared++
		}
	}

	if scored > 0 {
		s.AverageScore = float64(scoreSum) / float64(scored)
	}
	s.AlertsResolved = detected + cleared
	if s.AlertsResolved > 0 {
		s.DetectionRate = float64(detected) / float64(s.AlertsResolved)
		s.FalsePositiveRate = float64(cleared) / float64(s.AlertsResolved)
	}
	return s
}

// Alerts lists open cases under investigation or escalated, in claim_id order.
func (e *Engine) Alerts() iter.Seq[domain.Case] {
	all := e.ledger.ListByStatus("")
	return func(yield func(domain.Case) bool) {
		for c := range all {
			if isAlertStatus(c.Status) && !yield(c) {
				return
			}
		}
	}
}

func isAlertStatus(s domain.CaseStatus) bool {
	return s == domain.StatusInvestigating || s == domain.StatusEscalated
}
