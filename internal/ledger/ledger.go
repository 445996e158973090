// Package ledger keeps the case lifecycle and entity histories. Every status
// change is a compare-and-swap under the case's own lock, so a failed
// transition never leaves a partial write.
package ledger

import (
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
)

type caseEntry struct {
	mu sync.Mutex
	c  domain.Case
}

// Ledger is the in-memory source of truth for cases.
type Ledger struct {
	mu    sync.RWMutex
	cases map[string]*caseEntry

	entities  *Entities
	retention time.Duration
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger backed by the given entity store.
func New(cfg domain.LedgerConfig, entities *Entities, opts ...Option) *Ledger {
	if entities == nil {
		entities = NewEntities(cfg.LockStripes, cfg.HistoryWindow)
	}
	l := &Ledger{
		cases:     make(map[string]*caseEntry),
		entities:  entities,
		retention: cfg.RetentionPeriod,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entities returns the entity store the ledger sweeps against.
func (l *Ledger) Entities() *Entities {
	return l.entities
}

func (l *Ledger) entry(claimID string) (*caseEntry, error) {
	l.mu.RLock()
	e, ok := l.cases[claimID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("case %s: %w", claimID, domain.ErrNotFound)
	}
	return e, nil
}

// Receive opens a case for a normalized claim. A claim whose case is still
// open fails with DuplicateClaimError; a closed one must be reopened first.
func (l *Ledger) Receive(ev *domain.ClaimEvent) (domain.Case, error) {
	now := l.now().UTC()

	l.mu.Lock()
	if e, ok := l.cases[ev.ClaimID]; ok {
		l.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.c.Status == domain.StatusClosed {
			return domain.Case{}, &domain.InvalidTransitionError{
				ClaimID: ev.ClaimID,
				From:    domain.StatusClosed,
				To:      domain.StatusReceived,
			}
		}
		return domain.Case{}, &domain.DuplicateClaimError{ClaimID: ev.ClaimID, Status: e.c.Status}
	}

	e := &caseEntry{c: domain.Case{
		ClaimID:    ev.ClaimID,
		Generation: 1,
		Status:     domain.StatusReceived,
		Event:      *ev,
		Transitions: []domain.Transition{{
			To:    domain.StatusReceived,
			Actor: domain.ActorEngine,
			At:    now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	l.cases[ev.ClaimID] = e
	l.mu.Unlock()

	return cloneCase(&e.c), nil
}

// RecordScore appends a score and its decision, numbering both with the next
// score version. A freshly received case moves through scored to the status
// the decision names in one step. A case already past its decision only gains
// history; its status does not change.
func (l *Ledger) RecordScore(claimID string, score domain.CaseScore, dec domain.Decision) (domain.Case, error) {
	e, err := l.entry(claimID)
	if err != nil {
		return domain.Case{}, err
	}
	if dec.Action == domain.ActionReject {
		return domain.Case{}, fmt.Errorf("%w: reject is a human resolution", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now().UTC()
	c := &e.c
	score.Version = len(c.ScoreHistory) + 1
	dec.ScoreVersion = score.Version

	switch {
	case c.Status == domain.StatusReceived:
		target := dec.Action.Status()
		c.ScoreHistory = append(c.ScoreHistory, score)
		c.DecisionHistory = append(c.DecisionHistory, dec)
		c.Transitions = append(c.Transitions,
			domain.Transition{From: domain.StatusReceived, To: domain.StatusScored, Actor: domain.ActorEngine, At: now},
			domain.Transition{From: domain.StatusScored, To: target, Actor: domain.ActorEngine, Note: string(dec.Action), At: now},
		)
		c.Status = target
	case decided(c.Status):
		c.ScoreHistory = append(c.ScoreHistory, score)
		c.DecisionHistory = append(c.DecisionHistory, dec)
	default:
		return domain.Case{}, &domain.InvalidTransitionError{
			ClaimID: claimID,
			From:    c.Status,
			To:      domain.StatusScored,
			Current: c.Status,
		}
	}

	c.UpdatedAt = now
	return cloneCase(c), nil
}

// Transition moves a case from one status to another. It fails with
// InvalidTransitionError, leaving the case untouched, if the case is not in
// from or the change is not permitted.
func (l *Ledger) Transition(claimID string, from, to domain.CaseStatus, actor, note string) (domain.Case, error) {
	e, err := l.entry(claimID)
	if err != nil {
		return domain.Case{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.transitionLocked(&e.c, from, to, actor, note); err != nil {
		return domain.Case{}, err
	}
	return cloneCase(&e.c), nil
}

func (l *Ledger) transitionLocked(c *domain.Case, from, to domain.CaseStatus, actor, note string) error {
	if c.Status != from || !CanTransition(from, to) {
		return &domain.InvalidTransitionError{ClaimID: c.ClaimID, From: from, To: to, Current: c.Status}
	}
	if to == domain.StatusClosed && humanOnly(from) && automatic(actor) {
		return &domain.InvalidTransitionError{ClaimID: c.ClaimID, From: from, To: to, Current: c.Status}
	}

	now := l.now().UTC()
	c.Status = to
	c.Transitions = append(c.Transitions, domain.Transition{From: from, To: to, Actor: actor, Note: note, At: now})
	c.UpdatedAt = now
	return nil
}

// Close closes a decided case with a human resolution.
func (l *Ledger) Close(claimID string, resolution domain.Resolution, actor, note string) (domain.Case, error) {
	if !resolution.Valid() {
		return domain.Case{}, fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidInput, resolution)
	}
	if actor == "" {
		return domain.Case{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	return l.close(claimID, resolution, actor, note)
}

func (l *Ledger) close(claimID string, resolution domain.Resolution, actor, note string) (domain.Case, error) {
	e, err := l.entry(claimID)
	if err != nil {
		return domain.Case{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.transitionLocked(&e.c, e.c.Status, domain.StatusClosed, actor, note); err != nil {
		return domain.Case{}, err
	}
	e.c.Resolution = resolution
	return cloneCase(&e.c), nil
}

// Reopen returns a closed case to received as a new generation. Score and
// decision history are kept; the previous generation is recorded as lineage.
func (l *Ledger) Reopen(claimID, actor, reason string) (domain.Case, error) {
	if actor == "" {
		return domain.Case{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	e, err := l.entry(claimID)
	if err != nil {
		return domain.Case{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := &e.c
	closedAt := c.UpdatedAt
	if err := l.transitionLocked(c, domain.StatusClosed, domain.StatusReceived, actor, reason); err != nil {
		return domain.Case{}, err
	}

	c.ReopenedFrom = &domain.Lineage{
		Generation: c.Generation,
		Resolution: c.Resolution,
		ClosedAt:   closedAt,
	}
	c.Generation++
	c.Resolution = ""
	return cloneCase(c), nil
}

// Sweep closes validated and monitored cases whose last decision and whose
// entities' last activity are all older than the retention period. It returns
// the closed claim_ids in order.
func (l *Ledger) Sweep(now time.Time) []string {
	if l.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-l.retention)

	var closed []string
	for _, id := range l.keys() {
		e, err := l.entry(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		if l.expired(&e.c, cutoff) {
			if err := l.transitionLocked(&e.c, e.c.Status, domain.StatusClosed, domain.ActorSweep, "retention period elapsed"); err == nil {
				e.c.Resolution = domain.ResolutionExpired
				closed = append(closed, id)
			}
		}
		e.mu.Unlock()
	}
	return closed
}

func (l *Ledger) expired(c *domain.Case, cutoff time.Time) bool {
	if c.Status != domain.StatusValidated && c.Status != domain.StatusMonitored {
		return false
	}
	if d := c.LatestDecision(); d != nil && d.DecidedAt.After(cutoff) {
		return false
	}
	if c.UpdatedAt.After(cutoff) {
		return false
	}
	for _, ref := range c.Event.EntityRefs() {
		if l.entities.LastActivity(ref).After(cutoff) {
			return false
		}
	}
	return true
}

// Get returns a deep copy of a case.
func (l *Ledger) Get(claimID string) (domain.Case, error) {
	e, err := l.entry(claimID)
	if err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneCase(&e.c), nil
}

// ListByStatus returns the cases currently in status ordered by claim_id.
// Each iteration takes a fresh view of the ledger, so the sequence may be
// ranged over again to see later changes.
func (l *Ledger) ListByStatus(status domain.CaseStatus) iter.Seq[domain.Case] {
	return func(yield func(domain.Case) bool) {
		for _, id := range l.keys() {
			e, err := l.entry(id)
			if err != nil {
				continue
			}
			e.mu.Lock()
			match := status == "" || e.c.Status == status
			var c domain.Case
			if match {
				c = cloneCase(&e.c)
			}
			e.mu.Unlock()

			if match && !yield(c) {
				return
			}
		}
	}
}

// Restore loads a persisted case, replacing any in-memory copy.
func (l *Ledger) Restore(c domain.Case) {
	e := &caseEntry{c: cloneCase(&c)}
	l.mu.Lock()
	l.cases[c.ClaimID] = e
	l.mu.Unlock()
}

// Len returns the number of cases.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cases)
}

func (l *Ledger) keys() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.cases))
	for id := range l.cases {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
