package domain

import "time"

// Category groups rules by the kind of evidence they examine.
type Category string

const (
	CategoryFinancial   Category = "financial"
	CategoryBehavioral  Category = "behavioral"
	CategoryTemporal    Category = "temporal"
	CategoryRelational  Category = "relational"
	CategoryDocumentary Category = "documentary"
)

// Categories lists every category in evaluation order.
var Categories = []Category{
	CategoryFinancial,
	CategoryBehavioral,
	CategoryTemporal,
	CategoryRelational,
	CategoryDocumentary,
}

// Rank returns the position of c in evaluation order, or -1 if c is unknown.
func (c Category) Rank() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c is one of the closed set of categories.
func (c Category) Valid() bool {
	return c.Rank() >= 0
}

// Priority gates decision policy and breaks ties.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PredicateKind tags how a rule's predicate is expressed.
type PredicateKind string

const (
	// PredicateExpression is a CEL expression returning bool, int or double.
	PredicateExpression PredicateKind = "expression"
	// PredicateBuiltin names a predicate implemented in Go.
	PredicateBuiltin PredicateKind = "builtin"
)

// PredicateSpec is the serializable form of a rule predicate.
type PredicateSpec struct {
	Kind       PredicateKind `json:"kind" yaml:"kind"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	Builtin    string        `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// Rule is a named, versioned unit of detection logic.
type Rule struct {
	ID          string        `json:"ruleId" yaml:"id"`
	Version     string        `json:"version" yaml:"version"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Category    Category      `json:"category" yaml:"category"`
	Priority    Priority      `json:"priority" yaml:"priority"`
	Predicate   PredicateSpec `json:"predicate" yaml:"predicate"`
	Weight      float64       `json:"weight" yaml:"weight"`
	Active      bool          `json:"active" yaml:"active"`

	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// RuleMatch is the immutable result of evaluating one rule against one claim.
// Rule metadata is copied at evaluation time.
type RuleMatch struct {
	RuleID      string   `json:"ruleId"`
	Version     string   `json:"version"`
	Category    Category `json:"category"`
	Priority    Priority `json:"priority"`
	Weight      float64  `json:"weight"`
	Matched     bool     `json:"matched"`
	GradedScore float64  `json:"gradedScore"`
	Evidence    Evidence `json:"evidence"`
}

// Errored reports whether the predicate failed for this match.
func (m RuleMatch) Errored() bool {
	return m.Evidence.Error != ""
}

// Evidence is the structured explanation attached to a RuleMatch.
type Evidence struct {
	Reason   string             `json:"reason,omitempty"`
	Observed float64            `json:"observed"`
	Features map[string]float64 `json:"features,omitempty"`
	Error    string             `json:"error,omitempty"`
}
