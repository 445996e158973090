package decision

import (
	"testing"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := New(domain.DefaultConfig().Policy, WithClock(clock))
	require.NoError(t, err)
	return p
}

func match(id string, c domain.Category, p domain.Priority, w, graded float64) domain.RuleMatch {
	return domain.RuleMatch{
		RuleID:      id,
		Version:     "1.0.0",
		Category:    c,
		Priority:    p,
		Weight:      w,
		Matched:     graded > 0,
		GradedScore: graded,
	}
}

func TestThresholds(t *testing.T) {
	p := newPolicy(t)

	tests := []struct {
		composite int
		want      domain.Action
	}{
		{0, domain.ActionValidate},
		{49, domain.ActionValidate},
		{50, domain.ActionMonitor},
		{69, domain.ActionMonitor},
		{70, domain.ActionInvestigate},
		{89, domain.ActionInvestigate},
		{90, domain.ActionEscalateLegal},
		{100, domain.ActionEscalateLegal},
	}

	for _, tt := range tests {
		d := p.Decide(&domain.CaseScore{ClaimID: "CLM", Version: 2, CompositeScore: tt.composite})
		assert.Equal(t, tt.want, d.Action, "composite %d", tt.composite)
		assert.Equal(t, tt.composite, d.CompositeScore)
		assert.Equal(t, 2, d.ScoreVersion)
		assert.Equal(t, fixedNow, d.DecidedAt)
	}
}

func TestHighAmountEscalates(t *testing.T) {
	s, err := scoring.New(domain.DefaultConfig().Scoring, scoring.WithClock(clock))
	require.NoError(t, err)

	cs := s.Score("CLM-1", 1, []domain.RuleMatch{
		match("DET_001", domain.CategoryFinancial, domain.PriorityCritical, 0.7, 95),
		match("COMP_001", domain.CategoryBehavioral, domain.PriorityHigh, 0.45, 85),
	})
	require.GreaterOrEqual(t, cs.CompositeScore, 90)

	d := newPolicy(t).Decide(&cs)
	assert.Equal(t, domain.ActionEscalateLegal, d.Action)
	assert.Equal(t, []string{"DET_001", "COMP_001"}, d.ReasonCodes)
	assert.Equal(t, domain.StatusEscalated, d.Action.Status())
}

func TestNoMatchesValidates(t *testing.T) {
	s, err := scoring.New(domain.DefaultConfig().Scoring, scoring.WithClock(clock))
	require.NoError(t, err)

	cs := s.Score("CLM-2", 1, nil)
	d := newPolicy(t).Decide(&cs)

	assert.Equal(t, 0, cs.CompositeScore)
	assert.Equal(t, domain.ActionValidate, d.Action)
	assert.Empty(t, d.ReasonCodes)
	assert.NotNil(t, d.ReasonCodes)
}

func TestDocumentaryOverride(t *testing.T) {
	p := newPolicy(t)

	cs := &domain.CaseScore{
		ClaimID:        "CLM-3",
		Version:        1,
		CompositeScore: 42,
		RuleMatches: []domain.RuleMatch{
			match("VAL_001", domain.CategoryDocumentary, domain.PriorityHigh, 0.4, 85),
			match("DOC_001", domain.CategoryDocumentary, domain.PriorityHigh, 0.3, 70),
			match("DET_002", domain.CategoryBehavioral, domain.PriorityMedium, 0.35, 100),
		},
	}

	d := p.Decide(cs)
	assert.Equal(t, domain.ActionInvestigate, d.Action)
	assert.Equal(t, []string{"VAL_001"}, d.ReasonCodes)
}

func TestDocumentaryBelowMinimum(t *testing.T) {
	cs := &domain.CaseScore{
		CompositeScore: 12,
		RuleMatches: []domain.RuleMatch{
			match("DOC_001", domain.CategoryDocumentary, domain.PriorityHigh, 0.3, 79),
		},
	}
	assert.Equal(t, domain.ActionValidate, newPolicy(t).Decide(cs).Action)
}

func TestThresholdBeatsDocumentary(t *testing.T) {
	cs := &domain.CaseScore{
		CompositeScore: 55,
		RuleMatches: []domain.RuleMatch{
			match("VAL_001", domain.CategoryDocumentary, domain.PriorityHigh, 0.4, 100),
		},
	}
	assert.Equal(t, domain.ActionMonitor, newPolicy(t).Decide(cs).Action)
}

func TestReasonCodesTieBreak(t *testing.T) {
	s, err := scoring.New(domain.DefaultConfig().Scoring, scoring.WithClock(clock))
	require.NoError(t, err)

	// Equal contributions order by rule_id.
	cs := s.Score("CLM", 1, []domain.RuleMatch{
		match("FIN_B", domain.CategoryFinancial, domain.PriorityHigh, 0.5, 100),
		match("FIN_A", domain.CategoryFinancial, domain.PriorityHigh, 0.5, 100),
		match("FIN_C", domain.CategoryFinancial, domain.PriorityHigh, 0.5, 0),
	})
	cs.CompositeScore = 75

	d := newPolicy(t).Decide(&cs)
	assert.Equal(t, []string{"FIN_A", "FIN_B"}, d.ReasonCodes)
}

func TestNeverRejects(t *testing.T) {
	p := newPolicy(t)
	for c := 0; c <= 100; c++ {
		assert.NotEqual(t, domain.ActionReject, p.Decide(&domain.CaseScore{CompositeScore: c}).Action)
	}
}

func TestZeroMonitorThreshold(t *testing.T) {
	cfg := domain.DefaultConfig().Policy
	cfg.MonitorAt = 0
	p, err := New(cfg, WithClock(clock))
	require.NoError(t, err)

	cs := domain.CaseScore{ClaimID: "CLM-Z", Version: 1, CompositeScore: 0}
	assert.Equal(t, domain.ActionMonitor, p.Decide(&cs).Action, "every claim is monitored")
}

func TestPolicyConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		edit func(*domain.PolicyConfig)
	}{
		{"ThresholdsOutOfOrder", func(c *domain.PolicyConfig) { c.InvestigateAt = c.EscalateAt + 1 }},
		{"MonitorAboveInvestigate", func(c *domain.PolicyConfig) { c.MonitorAt = c.InvestigateAt + 1 }},
		{"Negative", func(c *domain.PolicyConfig) { c.MonitorAt = -1 }},
		{"Above100", func(c *domain.PolicyConfig) { c.EscalateAt = 101 }},
		{"DocumentaryOutOfRange", func(c *domain.PolicyConfig) { c.DocumentaryMinimum = 120 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig().Policy
			tt.edit(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}
