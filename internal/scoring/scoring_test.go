package scoring

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newScorer(t testing.TB) *Scorer {
	t.Helper()
	s, err := New(domain.DefaultConfig().Scoring, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
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

// randomMatches builds a reproducible match list from a seed.
func randomMatches(seed int64) []domain.RuleMatch {
	rng := rand.New(rand.NewSource(seed))
	priorities := []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical}

	n := rng.Intn(16)
	out := make([]domain.RuleMatch, 0, n)
	for i := 0; i < n; i++ {
		graded := 0.0
		if rng.Intn(3) > 0 {
			graded = float64(rng.Intn(101))
		}
		m := match(
			fmt.Sprintf("R%02d", i),
			domain.Categories[rng.Intn(len(domain.Categories))],
			priorities[rng.Intn(len(priorities))],
			rng.Float64(),
			graded,
		)
		if rng.Intn(10) == 0 {
			m.Matched, m.GradedScore = false, 0
			m.Evidence.Error = "boom"
		}
		out = append(out, m)
	}
	return out
}

func TestNewRejectsBadWeights(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	cfg.CategoryWeights = map[domain.Category]float64{domain.CategoryFinancial: 0.5}

	_, err := New(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestScoreNoMatches(t *testing.T) {
	s := newScorer(t)

	cs := s.Score("CLM-1", 1, nil)
	assert.Equal(t, 0, cs.CompositeScore)
	assert.False(t, cs.FloorApplied)
	assert.Len(t, cs.Categories, len(domain.Categories))
	assert.Equal(t, fixedNow, cs.ComputedAt)
}

func TestScoreWeightedAverage(t *testing.T) {
	s := newScorer(t)

	// financial: (0.7*80 + 0.3*0) / 1.0 = 56 -> 56 * 0.30 = 16.8
	// behavioral: 0.5*60 / 0.5 = 60 -> 60 * 0.25 = 15
	cs := s.Score("CLM-1", 1, []domain.RuleMatch{
		match("DET_001", domain.CategoryFinancial, domain.PriorityHigh, 0.7, 80),
		match("FIN_002", domain.CategoryFinancial, domain.PriorityLow, 0.3, 0),
		match("COMP_001", domain.CategoryBehavioral, domain.PriorityHigh, 0.5, 60),
	})

	assert.Equal(t, 32, cs.CompositeScore)
	fin := cs.Categories[0]
	assert.Equal(t, domain.CategoryFinancial, fin.Category)
	assert.InDelta(t, 56.0, fin.Score, 1e-9)
	assert.InDelta(t, 16.8, fin.Contribution, 1e-9)
	assert.Equal(t, 2, fin.Evaluated)
	assert.Equal(t, 1, fin.Matched)
}

func TestScoreNormalizesOverweightCategory(t *testing.T) {
	s := newScorer(t)

	cs := s.Score("CLM-1", 1, []domain.RuleMatch{
		match("A", domain.CategoryFinancial, domain.PriorityLow, 1.0, 100),
		match("B", domain.CategoryFinancial, domain.PriorityLow, 1.0, 0),
	})

	fin := cs.Categories[0]
	assert.InDelta(t, 1.0, fin.WeightTotal, 1e-9)
	assert.InDelta(t, 50.0, fin.Score, 1e-9)
	assert.Equal(t, 15, cs.CompositeScore)
}

func TestScoreCriticalFloor(t *testing.T) {
	s := newScorer(t)

	tests := []struct {
		name      string
		matches   []domain.RuleMatch
		want      int
		wantFloor bool
	}{
		{
			name: "critical at 95 floors",
			matches: []domain.RuleMatch{
				match("DET_001", domain.CategoryFinancial, domain.PriorityCritical, 0.7, 95),
				match("COMP_001", domain.CategoryBehavioral, domain.PriorityHigh, 0.45, 85),
			},
			want:      90,
			wantFloor: true,
		},
		{
			name: "critical below grade does not floor",
			matches: []domain.RuleMatch{
				match("DET_001", domain.CategoryFinancial, domain.PriorityCritical, 0.7, 89),
			},
			want: 27,
		},
		{
			name: "high priority at 100 does not floor",
			matches: []domain.RuleMatch{
				match("COMP_001", domain.CategoryBehavioral, domain.PriorityHigh, 0.45, 100),
			},
			want: 25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := s.Score("CLM-1", 1, tt.matches)
			assert.Equal(t, tt.want, cs.CompositeScore)
			assert.Equal(t, tt.wantFloor, cs.FloorApplied)
		})
	}
}

func TestScoreIgnoresErroredMatches(t *testing.T) {
	s := newScorer(t)

	broken := match("FIN_009", domain.CategoryFinancial, domain.PriorityLow, 0.5, 0)
	broken.Evidence.Error = "division by zero"

	cs := s.Score("CLM-1", 1, []domain.RuleMatch{
		match("DET_001", domain.CategoryFinancial, domain.PriorityHigh, 0.5, 80),
		broken,
	})

	assert.InDelta(t, 80.0, cs.Categories[0].Score, 1e-9)
	assert.Equal(t, 1, cs.Categories[0].Evaluated)
	assert.Len(t, cs.RuleMatches, 2, "errored match stays in evidence")
}

func TestScoreDoesNotAliasInput(t *testing.T) {
	s := newScorer(t)
	in := []domain.RuleMatch{match("DET_001", domain.CategoryFinancial, domain.PriorityHigh, 0.5, 80)}

	cs := s.Score("CLM-1", 1, in)
	in[0].GradedScore = 0

	assert.Equal(t, 80.0, cs.RuleMatches[0].GradedScore)
}

func TestRuleContribution(t *testing.T) {
	s := newScorer(t)
	cs := s.Score("CLM-1", 1, []domain.RuleMatch{
		match("DET_001", domain.CategoryFinancial, domain.PriorityHigh, 0.7, 80),
		match("FIN_002", domain.CategoryFinancial, domain.PriorityLow, 0.3, 40),
	})

	total := 0.0
	for i := range cs.RuleMatches {
		total += RuleContribution(&cs, &cs.RuleMatches[i])
	}
	assert.InDelta(t, cs.Categories[0].Contribution, total, 1e-9)
	assert.InDelta(t, 0.7*80*0.30, RuleContribution(&cs, &cs.RuleMatches[0]), 1e-9)
}

func TestScoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	s := newScorer(t)

	properties.Property("composite stays within [0,100]", prop.ForAll(
		func(seed int64) bool {
			cs := s.Score("CLM", 1, randomMatches(seed))
			return cs.CompositeScore >= 0 && cs.CompositeScore <= 100
		},
		gen.Int64(),
	))

	properties.Property("critical match at 90 or more floors the composite", prop.ForAll(
		func(seed int64, graded float64) bool {
			ms := randomMatches(seed)
			ms = append(ms, match("CRIT", domain.CategoryRelational, domain.PriorityCritical, 0.6, graded))
			return s.Score("CLM", 1, ms).CompositeScore >= 90
		},
		gen.Int64(),
		gen.Float64Range(90, 100),
	))

	properties.Property("scoring is deterministic", prop.ForAll(
		func(seed int64) bool {
			ms := randomMatches(seed)
			return reflect.DeepEqual(s.Score("CLM", 1, ms), s.Score("CLM", 1, ms))
		},
		gen.Int64(),
	))

	properties.Property("a match above the category average never lowers the composite", prop.ForAll(
		func(seed int64, catIdx int, weight float64) bool {
			ms := randomMatches(seed)
			before := s.Score("CLM", 1, ms)

			c := domain.Categories[catIdx]
			avg := before.Categories[catIdx].Score
			if avg >= 100 {
				return true
			}
			extra := match("EXTRA", c, domain.PriorityLow, weight, avg+(100-avg)/2)
			after := s.Score("CLM", 1, append(ms, extra))

			return after.CompositeScore >= before.CompositeScore
		},
		gen.Int64(),
		gen.IntRange(0, len(domain.Categories)-1),
		gen.Float64Range(0.01, 1),
	))

	properties.TestingRun(t)
}
