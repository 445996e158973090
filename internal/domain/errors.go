package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// use errors.Is.
var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrDuplicateRule       = errors.New("duplicate rule")
	ErrInvalidRule         = errors.New("invalid rule")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotFound            = errors.New("not found")
	ErrRuleEvaluation      = errors.New("rule evaluation failed")
	ErrCollaboratorTimeout = errors.New("external collaborator timeout")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateClaim      = errors.New("duplicate claim")
)

// MalformedInputError reports a claim payload that failed normalization.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed input: %s", e.Reason)
	}
	return fmt.Sprintf("malformed input: %s: %s", e.Field, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

// DuplicateRuleError reports a (rule_id, version) that is already registered.
type DuplicateRuleError struct {
	RuleID  string
	Version string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule %s@%s already registered", e.RuleID, e.Version)
}

func (e *DuplicateRuleError) Unwrap() error { return ErrDuplicateRule }

// InvalidTransitionError reports an illegal case status change.
type InvalidTransitionError struct {
	ClaimID string
	From    CaseStatus
	To      CaseStatus
	Current CaseStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.Current != "" && e.Current != e.From {
		return fmt.Sprintf("case %s: cannot move %s -> %s (current status %s)", e.ClaimID, e.From, e.To, e.Current)
	}
	return fmt.Sprintf("case %s: cannot move %s -> %s", e.ClaimID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateClaimError reports a claim_id that already has an open case.
type DuplicateClaimError struct {
	ClaimID string
	Status  CaseStatus
}

func (e *DuplicateClaimError) Error() string {
	return fmt.Sprintf("claim %s already open (status %s)", e.ClaimID, e.Status)
}

func (e *DuplicateClaimError) Unwrap() error { return ErrDuplicateClaim }

// RuleEvaluationError wraps a predicate failure. It is recorded as evidence and
// never aborts evaluation.
type RuleEvaluationError struct {
	RuleID  string
	Version string
	Err     error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s@%s: %v", e.RuleID, e.Version, e.Err)
}

func (e *RuleEvaluationError) Unwrap() []error { return []error{ErrRuleEvaluation, e.Err} }

// ExternalCollaboratorTimeoutError reports a collaborator call that missed its deadline.
type ExternalCollaboratorTimeoutError struct {
	Collaborator string
	Operation    string
	Timeout      time.Duration
}

func (e *ExternalCollaboratorTimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no response within %s", e.Collaborator, e.Operation, e.Timeout)
}

func (e *ExternalCollaboratorTimeoutError) Unwrap() error { return ErrCollaboratorTimeout }
