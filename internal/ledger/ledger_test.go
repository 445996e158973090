package ledger

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()
	clk := &testClock{now: t0}
	cfg := domain.DefaultConfig().Ledger
	return New(cfg, NewEntities(cfg.LockStripes, cfg.HistoryWindow), WithClock(clk.Now)), clk
}

func claim(id string) *domain.ClaimEvent {
	return &domain.ClaimEvent{
		ClaimID:     id,
		PatientID:   "PAT-1",
		ProviderID:  "PRV-1",
		PharmacyID:  "PHA-1",
		AmountMinor: 10_000,
		Currency:    "MAD",
		OccurredAt:  t0.Add(-time.Hour),
	}
}

func decisionFor(action domain.Action, composite int) (domain.CaseScore, domain.Decision) {
	cs := domain.CaseScore{ClaimID: "x", Version: 1, CompositeScore: composite, ComputedAt: t0}
	return cs, domain.Decision{Action: action, CompositeScore: composite, ScoreVersion: 1, DecidedAt: t0}
}

func scoredCase(t *testing.T, l *Ledger, id string, action domain.Action) domain.Case {
	t.Helper()
	_, err := l.Receive(claim(id))
	require.NoError(t, err)
	cs, d := decisionFor(action, 10)
	c, err := l.RecordScore(id, cs, d)
	require.NoError(t, err)
	return c
}

func TestReceive(t *testing.T) {
	l, _ := newLedger(t)

	c, err := l.Receive(claim("CLM-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReceived, c.Status)
	assert.Equal(t, 1, c.Generation)
	assert.Len(t, c.Transitions, 1)

	_, err = l.Receive(claim("CLM-1"))
	var dup *domain.DuplicateClaimError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, domain.StatusReceived, dup.Status)
}

func TestRecordScoreMovesToDecision(t *testing.T) {
	tests := []struct {
		action domain.Action
		want   domain.CaseStatus
	}{
		{domain.ActionValidate, domain.StatusValidated},
		{domain.ActionMonitor, domain.StatusMonitored},
		{domain.ActionInvestigate, domain.StatusInvestigating},
		{domain.ActionEscalateLegal, domain.StatusEscalated},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			l, _ := newLedger(t)
			c := scoredCase(t, l, "CLM-1", tt.action)

			assert.Equal(t, tt.want, c.Status)
			require.Len(t, c.Transitions, 3)
			assert.Equal(t, domain.StatusScored, c.Transitions[1].To)
			assert.Equal(t, tt.want, c.Transitions[2].To)
			assert.Len(t, c.ScoreHistory, 1)
			assert.Len(t, c.DecisionHistory, 1)
		})
	}
}

func TestRescoreAppendsOnly(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionInvestigate)

	cs, d := decisionFor(domain.ActionValidate, 5)
	cs.Version = 2
	c, err := l.RecordScore("CLM-1", cs, d)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusInvestigating, c.Status, "re-scoring never changes a decided status")
	assert.Len(t, c.ScoreHistory, 2)
	assert.Equal(t, 2, c.LatestScore().Version)
	assert.Len(t, c.Transitions, 3)
}

func TestRecordScoreRejectsClosedAndReject(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionValidate)
	_, err := l.Close("CLM-1", domain.ResolutionCleared, "agent-7", "")
	require.NoError(t, err)

	cs, d := decisionFor(domain.ActionMonitor, 55)
	_, err = l.RecordScore("CLM-1", cs, d)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = l.Receive(claim("CLM-2"))
	require.NoError(t, err)
	cs, d = decisionFor(domain.ActionReject, 99)
	_, err = l.RecordScore("CLM-2", cs, d)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = l.RecordScore("NOPE", cs, d)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionTable(t *testing.T) {
	statuses := []domain.CaseStatus{
		domain.StatusReceived, domain.StatusScored, domain.StatusValidated, domain.StatusMonitored,
		domain.StatusInvestigating, domain.StatusEscalated, domain.StatusClosed,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				l, _ := newLedger(t)
				l.Restore(domain.Case{ClaimID: "CLM", Generation: 1, Status: from, Event: *claim("CLM")})
				before, err := l.Get("CLM")
				require.NoError(t, err)

				c, err := l.Transition("CLM", from, to, "agent-7", "")
				if CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, c.Status)
					return
				}

				var te *domain.InvalidTransitionError
				require.ErrorAs(t, err, &te)
				after, _ := l.Get("CLM")
				assert.Equal(t, before, after, "failed transition must leave the case unchanged")
			})
		}
	}
}

func TestTransitionCompareAndSwap(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionMonitor)

	// Stale from status.
	_, err := l.Transition("CLM-1", domain.StatusValidated, domain.StatusClosed, "agent-7", "")
	var te *domain.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusMonitored, te.Current)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Transition("CLM-1", domain.StatusMonitored, domain.StatusClosed, "agent-7", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one concurrent transition succeeds")
}

func TestAutomaticActorCannotCloseInvestigation(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionEscalateLegal)

	_, err := l.Transition("CLM-1", domain.StatusEscalated, domain.StatusClosed, domain.ActorSweep, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	c, err := l.Close("CLM-1", domain.ResolutionConfirmedFraud, "agent-7", "confirmed by audit")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, c.Status)
	assert.Equal(t, domain.ResolutionConfirmedFraud, c.Resolution)
}

func TestCloseValidation(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionInvestigate)

	_, err := l.Close("CLM-1", domain.ResolutionExpired, "agent-7", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = l.Close("CLM-1", domain.ResolutionRejected, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	c, err := l.Close("CLM-1", domain.ResolutionRejected, "agent-7", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionRejected, c.Resolution)

	_, err = l.Close("CLM-1", domain.ResolutionCleared, "agent-7", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReopen(t *testing.T) {
	l, clk := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionValidate)
	_, err := l.Reopen("CLM-1", "agent-7", "new evidence")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "only closed cases reopen")

	closed, err := l.Close("CLM-1", domain.ResolutionCleared, "agent-7", "")
	require.NoError(t, err)

	_, err = l.Receive(claim("CLM-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "closed claim cannot be resubmitted")

	clk.Advance(time.Hour)
	c, err := l.Reopen("CLM-1", "agent-7", "new evidence")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReceived, c.Status)
	assert.Equal(t, 2, c.Generation)
	require.NotNil(t, c.ReopenedFrom)
	assert.Equal(t, 1, c.ReopenedFrom.Generation)
	assert.Equal(t, domain.ResolutionCleared, c.ReopenedFrom.Resolution)
	assert.Equal(t, closed.UpdatedAt, c.ReopenedFrom.ClosedAt)
	assert.Empty(t, c.Resolution)
	assert.Len(t, c.ScoreHistory, 1, "history survives reopen")

	cs, d := decisionFor(domain.ActionMonitor, 60)
	c, err = l.RecordScore("CLM-1", cs, d)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMonitored, c.Status)
}

func TestSweep(t *testing.T) {
	l, clk := newLedger(t)
	scoredCase(t, l, "CLM-V", domain.ActionValidate)
	scoredCase(t, l, "CLM-I", domain.ActionInvestigate)

	mon := claim("CLM-M")
	mon.PatientID = "PAT-2"
	_, err := l.Receive(mon)
	require.NoError(t, err)
	cs, d := decisionFor(domain.ActionMonitor, 55)
	_, err = l.RecordScore("CLM-M", cs, d)
	require.NoError(t, err)

	for _, ev := range []*domain.ClaimEvent{claim("CLM-V"), claim("CLM-I"), mon} {
		l.Entities().Record(ev)
	}

	assert.Empty(t, l.Sweep(clk.Now()), "nothing expires before the retention period")

	// Fresh activity on PAT-2 keeps CLM-M open.
	clk.Advance(91 * 24 * time.Hour)
	recent := claim("CLM-NEW")
	recent.PatientID = "PAT-2"
	recent.ProviderID = "PRV-2"
	recent.PharmacyID = ""
	recent.OccurredAt = clk.Now().Add(-24 * time.Hour)
	l.Entities().Record(recent)

	closed := l.Sweep(clk.Now())
	assert.Equal(t, []string{"CLM-V"}, closed)

	c, err := l.Get("CLM-V")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, c.Status)
	assert.Equal(t, domain.ResolutionExpired, c.Resolution)
	assert.Equal(t, domain.ActorSweep, c.Transitions[len(c.Transitions)-1].Actor)

	inv, _ := l.Get("CLM-I")
	assert.Equal(t, domain.StatusInvestigating, inv.Status, "investigations are never auto-closed")
}

func TestGetReturnsCopy(t *testing.T) {
	l, _ := newLedger(t)
	scoredCase(t, l, "CLM-1", domain.ActionMonitor)

	c, err := l.Get("CLM-1")
	require.NoError(t, err)
	c.Status = domain.StatusClosed
	c.ScoreHistory[0].CompositeScore = 99
	c.Transitions[0].Actor = "mallory"

	again, _ := l.Get("CLM-1")
	assert.Equal(t, domain.StatusMonitored, again.Status)
	assert.Equal(t, 10, again.ScoreHistory[0].CompositeScore)
	assert.Equal(t, domain.ActorEngine, again.Transitions[0].Actor)

	_, err = l.Get("NOPE")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListByStatus(t *testing.T) {
	l, _ := newLedger(t)
	for _, id := range []string{"C3", "C1", "C2"} {
		scoredCase(t, l, id, domain.ActionInvestigate)
	}
	scoredCase(t, l, "C4", domain.ActionValidate)

	seq := l.ListByStatus(domain.StatusInvestigating)
	ids := func() []string {
		var out []string
		for c := range seq {
			out = append(out, c.ClaimID)
		}
		return out
	}

	assert.Equal(t, []string{"C1", "C2", "C3"}, ids())

	_, err := l.Close("C2", domain.ResolutionCleared, "agent-7", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C3"}, ids(), "each iteration sees the current ledger")

	all := slices.Collect(l.ListByStatus(""))
	assert.Len(t, all, 4)
}
