// Package scoring aggregates rule matches into an explainable 0-100 composite
// risk score.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
)

// Scorer computes CaseScores. It holds no mutable state and is safe for
// concurrent use.
type Scorer struct {
	weights  map[domain.Category]float64
	floor    int
	minGrade float64
	now      func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock sets the clock used for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New creates a scorer. Category weights must sum to 1.0.
func New(cfg domain.ScoringConfig, opts ...Option) (*Scorer, error) {
	if len(cfg.CategoryWeights) == 0 {
		cfg.CategoryWeights = domain.DefaultCategoryWeights()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}

	weights := make(map[domain.Category]float64, len(cfg.CategoryWeights))
	for c, w := range cfg.CategoryWeights {
		weights[c] = w
	}

	s := &Scorer{
		weights:  weights,
		floor:    cfg.CriticalFloor,
		minGrade: cfg.CriticalMinGrade,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score aggregates matches into a CaseScore. Matches that carry an
// evaluation error are kept as evidence but do not count toward any category.
func (s *Scorer) Score(claimID string, version int, matches []domain.RuleMatch) domain.CaseScore {
	evidence := make([]domain.RuleMatch, len(matches))
	copy(evidence, matches)

	type acc struct {
		weighted  float64
		weight    float64
		evaluated int
		matched   int
	}
	sums := make(map[domain.Category]*acc, len(domain.Categories))
	for _, c := range domain.Categories {
		sums[c] = &acc{}
	}

	critical := false
	for _, m := range evidence {
		if m.Errored() {
			continue
		}
		a, ok := sums[m.Category]
		if !ok {
			continue
		}
		a.evaluated++
		a.weight += m.Weight
		if m.Matched {
			a.matched++
			a.weighted += m.Weight * m.GradedScore
			if m.Priority == domain.PriorityCritical && m.GradedScore >= s.minGrade {
				critical = true
			}
		}
	}

	cs := domain.CaseScore{
		ClaimID:     claimID,
		Version:     version,
		Categories:  make([]domain.CategoryScore, 0, len(domain.Categories)),
		RuleMatches: evidence,
		ComputedAt:  s.now().UTC(),
	}

	composite := 0.0
	for _, c := range domain.Categories {
		a := sums[c]

		// Normalizing the category weight to at most 1.0 only changes the
		// reported WeightTotal; the score is a weighted mean either way.
		scale := 1.0
		if a.weight > 1 {
			scale = 1 / a.weight
		}

		score := 0.0
		if a.weight > 0 {
			score = a.weighted / a.weight
		}
		contribution := score * s.weights[c]
		composite += contribution

		cs.Categories = append(cs.Categories, domain.CategoryScore{
			Category:     c,
			Score:        score,
			Weight:       s.weights[c],
			Contribution: contribution,
			WeightTotal:  a.weight * scale,
			Evaluated:    a.evaluated,
			Matched:      a.matched,
		})
	}

	if critical && composite < float64(s.floor) {
		composite = float64(s.floor)
		cs.FloorApplied = true
	}

	cs.CompositeScore = int(math.Round(clamp(composite)))
	return cs
}

// RuleContribution returns how many composite points a single match added,
// before the floor and rounding.
func RuleContribution(cs *domain.CaseScore, m *domain.RuleMatch) float64 {
	if !m.Matched || m.Errored() {
		return 0
	}
	for _, c := range cs.Categories {
		if c.Category != m.Category {
			continue
		}
		if c.WeightTotal <= 0 {
			return 0
		}
		w := m.Weight
		if raw := categoryRawWeight(cs, c.Category); raw > 1 {
			w /= raw
		}
		return w * m.GradedScore / c.WeightTotal * c.Weight
	}
	return 0
}

func categoryRawWeight(cs *domain.CaseScore, c domain.Category) float64 {
	total := 0.0
	for _, m := range cs.RuleMatches {
		if m.Category == c && !m.Errored() {
			total += m.Weight
		}
	}
	return total
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
