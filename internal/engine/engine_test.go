package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/axm/internal/bus"
	"github.com/opensource-finance/axm/internal/cache"
	"github.com/opensource-finance/axm/internal/dispatch"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claimOpt func(map[string]any)

func withPatient(id string) claimOpt  { return func(m map[string]any) { m["patientId"] = id } }
func withProvider(id string) claimOpt { return func(m map[string]any) { m["providerId"] = id } }

func claimPayload(t testing.TB, id string, amount string, opts ...claimOpt) []byte {
	t.Helper()
	m := map[string]any{
		"claimId":    id,
		"patientId":  "PAT-" + id,
		"providerId": "PRV-1",
		"pharmacyId": "PHA-1",
		"amount":     amount,
		"currency":   "MAD",
		"occurredAt": occurredAt().Format(time.RFC3339),
		"documents": []map[string]string{
			{"kind": "prescription", "reference": "RX-" + id},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

// occurredAt is a recent mid-month morning, outside the late-day and
// month-end windows the temporal rules look at.
func occurredAt() time.Time {
	now := time.Now().UTC()
	t := time.Date(now.Year(), now.Month(), 15, 10, 0, 0, 0, time.UTC)
	if t.After(now) {
		t = t.AddDate(0, -1, 0)
	}
	return t
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return newEngineWith(t, Collaborators{})
}

func newEngineWith(t *testing.T, c Collaborators) *Engine {
	t.Helper()
	if c.Cache == nil {
		lru := cache.NewLRUCache(1000)
		t.Cleanup(func() { _ = lru.Close() })
		c.Cache = lru
	}
	e, err := Build(domain.DefaultConfig(), c)
	require.NoError(t, err)
	return e
}

func TestSubmitClaimHighAmountEscalates(t *testing.T) {
	e := newEngine(t)

	out, err := e.SubmitClaim(context.Background(), claimPayload(t, "CLM-1", "18000"))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, out.Score.CompositeScore, 90)
	assert.True(t, out.Score.FloorApplied)
	assert.Equal(t, domain.ActionEscalateLegal, out.Decision.Action)
	assert.Equal(t, domain.StatusEscalated, out.Status)
	assert.Contains(t, out.Decision.ReasonCodes, "DET_001")
	assert.Equal(t, 1, out.Score.Version)
	assert.Equal(t, 1, out.Generation)

	c, err := e.GetCase("CLM-1")
	require.NoError(t, err)
	assert.Len(t, c.ScoreHistory, 1)
	assert.Len(t, c.Transitions, 3)
}

func TestSubmitClaimNoMatchesValidates(t *testing.T) {
	e := newEngine(t)

	out, err := e.SubmitClaim(context.Background(), claimPayload(t, "CLM-2", "180.50"))
	require.NoError(t, err)

	assert.Equal(t, 0, out.Score.CompositeScore)
	assert.Equal(t, domain.ActionValidate, out.Decision.Action)
	assert.Empty(t, out.Decision.ReasonCodes)
	assert.Equal(t, domain.StatusValidated, out.Status)
}

func TestSubmitClaimMalformed(t *testing.T) {
	e := newEngine(t)

	_, err := e.SubmitClaim(context.Background(), []byte(`{"claimId":"CLM-3","patientId":"PAT-3"}`))
	require.ErrorIs(t, err, domain.ErrMalformedInput)

	_, err = e.GetCase("CLM-3")
	assert.ErrorIs(t, err, domain.ErrNotFound, "malformed claims never enter the ledger")
}

func TestResubmitOpenClaimRescores(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first, err := e.SubmitClaim(ctx, claimPayload(t, "CLM-4", "18000"))
	require.NoError(t, err)

	second, err := e.SubmitClaim(ctx, claimPayload(t, "CLM-4", "18000"))
	require.NoError(t, err)

	assert.Equal(t, 2, second.Score.Version)
	assert.Equal(t, 2, second.Decision.ScoreVersion)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Score.CompositeScore, second.Score.CompositeScore, "re-scoring the same claim is deterministic")

	c, err := e.GetCase("CLM-4")
	require.NoError(t, err)
	assert.Len(t, c.ScoreHistory, 2)
	assert.Len(t, c.Transitions, 3, "re-scoring a decided case adds no transitions")

	ent, err := e.entities.Get(domain.EntityRef{Kind: domain.EntityPatient, ID: "PAT-CLM-4"})
	require.NoError(t, err)
	assert.Len(t, ent.History, 1)
}

func TestSubmitBatchPreservesOrder(t *testing.T) {
	e := newEngine(t)

	payloads := [][]byte{
		claimPayload(t, "B-1", "18000"),
		[]byte(`{"claimId":"B-2"}`),
		claimPayload(t, "B-3", "120"),
	}
	results := e.SubmitBatch(context.Background(), payloads)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "B-1", results[0].Outcome.ClaimID)
	assert.Equal(t, domain.ActionEscalateLegal, results[0].Outcome.Decision.Action)

	assert.ErrorIs(t, results[1].Err, domain.ErrMalformedInput)
	assert.Nil(t, results[1].Outcome)

	require.NoError(t, results[2].Err)
	assert.Equal(t, "B-3", results[2].Outcome.ClaimID)
	assert.Equal(t, domain.ActionValidate, results[2].Outcome.Decision.Action)
}

func TestSubmitBatchCancelled(t *testing.T) {
	e := newEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.SubmitBatch(ctx, [][]byte{claimPayload(t, "X-1", "10"), claimPayload(t, "X-2", "10")})
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Equal(t, 0, e.ledger.Len())
}

func TestSubmitBatchSingleSnapshot(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	const n = 1000
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = claimPayload(t, fmt.Sprintf("S-%04d", i), "16000", withPatient(fmt.Sprintf("PAT-%d", i%50)))
	}

	var results []Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results = e.SubmitBatch(ctx, payloads)
	}()
	go func() {
		defer wg.Done()
		_, err := e.DeactivateRule(ctx, "DET_001")
		assert.NoError(t, err)
	}()
	wg.Wait()

	require.Len(t, results, n)
	ruleSet := results[0].Outcome.RuleSet
	withDET001 := 0
	for i, r := range results {
		require.NoError(t, r.Err, "claim %d", i)
		assert.Equal(t, ruleSet, r.Outcome.RuleSet)
		for _, m := range r.Outcome.Score.RuleMatches {
			if m.RuleID == "DET_001" && m.Matched {
				withDET001++
			}
		}
	}
	assert.True(t, withDET001 == 0 || withDET001 == n,
		"every claim in a batch sees the same rule set, got DET_001 in %d of %d", withDET001, n)

	assert.False(t, e.registry.Snapshot().Active("DET_001"))
}

func TestConcurrentClaimsSamePatient(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.SubmitClaim(ctx, claimPayload(t, fmt.Sprintf("P-%d", i), "300",
				withPatient("PAT-SHARED"), withProvider(fmt.Sprintf("PRV-%d", i))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ent, err := e.entities.Get(domain.EntityRef{Kind: domain.EntityPatient, ID: "PAT-SHARED"})
	require.NoError(t, err)
	assert.Len(t, ent.History, 2)
}

func TestCloseAndReopen(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.SubmitClaim(ctx, claimPayload(t, "CLM-5", "18000"))
	require.NoError(t, err)

	_, err = e.CloseCase(ctx, "CLM-5", domain.ResolutionCleared, "", "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	closed, err := e.CloseCase(ctx, "CLM-5", domain.ResolutionCleared, "analyst-1", "prescription verified")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)

	_, err = e.SubmitClaim(ctx, claimPayload(t, "CLM-5", "18000"))
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "a closed claim must be reopened first")

	out, err := e.ReopenCase(ctx, "CLM-5", "analyst-2", "new evidence")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Generation)
	assert.Equal(t, 2, out.Score.Version)
	assert.Equal(t, domain.StatusEscalated, out.Status)

	c, err := e.GetCase("CLM-5")
	require.NoError(t, err)
	require.NotNil(t, c.ReopenedFrom)
	assert.Equal(t, 1, c.ReopenedFrom.Generation)
	assert.Equal(t, domain.ResolutionCleared, c.ReopenedFrom.Resolution)
}

func TestSweepClosesOnlyLowRiskCases(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.SubmitClaim(ctx, claimPayload(t, "LOW", "120"))
	require.NoError(t, err)
	_, err = e.SubmitClaim(ctx, claimPayload(t, "HIGH", "18000"))
	require.NoError(t, err)

	assert.Empty(t, e.Sweep(ctx, time.Now()))

	closed := e.Sweep(ctx, time.Now().Add(100*24*time.Hour))
	assert.Equal(t, []string{"LOW"}, closed)

	c, err := e.GetCase("LOW")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionExpired, c.Resolution)

	c, err = e.GetCase("HIGH")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, c.Status)
}

func TestListCasesByStatus(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i, amount := range []string{"120", "18000", "130", "17000"} {
		_, err := e.SubmitClaim(ctx, claimPayload(t, fmt.Sprintf("L-%d", i), amount))
		require.NoError(t, err)
	}

	seq, err := e.ListCasesByStatus(domain.StatusEscalated)
	require.NoError(t, err)

	var ids []string
	for c := range seq {
		ids = append(ids, c.ClaimID)
	}
	assert.Equal(t, []string{"L-1", "L-3"}, ids)

	// restartable
	again := 0
	for range seq {
		again++
	}
	assert.Equal(t, 2, again)

	_, err = e.ListCasesByStatus("pending")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRuleAdministration(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	rule := domain.Rule{
		ID:        "DET_001",
		Version:   "1.1.0",
		Name:      "High prescription amount",
		Category:  domain.CategoryFinancial,
		Priority:  domain.PriorityCritical,
		Predicate: domain.PredicateSpec{Kind: domain.PredicateExpression, Expression: `amount > 20000.0 ? 95.0 : 0.0`},
		Weight:    0.7,
	}
	_, err := e.RegisterRule(ctx, rule)
	require.NoError(t, err)

	_, err = e.RegisterRule(ctx, rule)
	require.ErrorIs(t, err, domain.ErrDuplicateRule)

	_, err = e.ActivateRule(ctx, "DET_001", "1.1.0")
	require.NoError(t, err)

	out, err := e.SubmitClaim(ctx, claimPayload(t, "R-1", "18000"))
	require.NoError(t, err)
	assert.NotEqual(t, domain.ActionEscalateLegal, out.Decision.Action, "the stricter version no longer fires at 18000")

	versions, err := e.RuleVersions("DET_001")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].Active)
	assert.True(t, versions[1].Active)

	_, err = e.ActivateRule(ctx, "NOPE", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReloadRulesFromPack(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.yaml")
	require.NoError(t, os.WriteFile(pack, []byte(`rules:
  - id: FIN_900
    version: 1.0.0
    name: Very high amount
    category: financial
    priority: high
    weight: 0.2
    active: true
    predicate:
      kind: expression
      expression: "amount > 50000.0"
`), 0o600))

	cfg := domain.DefaultConfig()
	cfg.Rules.PackPath = pack
	e, err := Build(cfg, Collaborators{})
	require.NoError(t, err)

	added, err := e.ReloadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, e.registry.Snapshot().Active("FIN_900"))

	added, err = e.ReloadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestPersistenceAndRestore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "axm.db")

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { _ = eventBus.Close() })

	alerts := make(chan domain.CaseEvent, 4)
	_, err = eventBus.Subscribe(ctx, domain.TopicCaseAlert, func(ctx context.Context, msg *domain.Message) error {
		var evt domain.CaseEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			return err
		}
		alerts <- evt
		return nil
	})
	require.NoError(t, err)

	d := dispatch.New(domain.DispatchConfig{Workers: 1}, lru)
	d.Start(ctx)

	e := newEngineWith(t, Collaborators{Repository: repo, Cache: lru, Bus: eventBus, Dispatcher: d})
	_, err = e.SubmitClaim(ctx, claimPayload(t, "CLM-P", "18000"))
	require.NoError(t, err)
	_, err = e.SubmitClaim(ctx, claimPayload(t, "CLM-Q", "150"))
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	select {
	case evt := <-alerts:
		assert.Equal(t, "CLM-P", evt.ClaimID)
		assert.Equal(t, domain.StatusEscalated, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}

	stored, err := repo.GetCase(ctx, "CLM-P")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEscalated, stored.Status)
	assert.Len(t, stored.ScoreHistory, 1)

	fresh := newEngineWith(t, Collaborators{Repository: repo})
	require.NoError(t, fresh.Restore(ctx))

	c, err := fresh.GetCase("CLM-Q")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, c.Status)

	ent, err := fresh.entities.Get(domain.EntityRef{Kind: domain.EntityProvider, ID: "PRV-1"})
	require.NoError(t, err)
	assert.Len(t, ent.History, 2)
}

func newSQLiteRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "axm.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func stopDispatcher(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

// hungRepository never completes a write before its deadline.
type hungRepository struct {
	domain.Repository
}

func (hungRepository) SaveClaim(ctx context.Context, _ *domain.ClaimEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hungRepository) SaveCase(ctx context.Context, _ *domain.Case) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hungRepository) SaveEntity(ctx context.Context, _ *domain.Entity) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHungRepositoryDoesNotBlockClaims(t *testing.T) {
	ctx := context.Background()
	lru := cache.NewLRUCache(1000)
	t.Cleanup(func() { _ = lru.Close() })

	d := dispatch.New(domain.DispatchConfig{Timeout: 300 * time.Millisecond, QueueSize: 1, Workers: 1}, lru)
	d.Start(ctx)
	t.Cleanup(func() { stopDispatcher(t, d) })

	e := newEngineWith(t, Collaborators{Repository: hungRepository{}, Cache: lru, Dispatcher: d})

	for i := 0; i < 3; i++ {
		start := time.Now()
		_, err := e.SubmitClaim(ctx, claimPayload(t, fmt.Sprintf("H-%d", i), "18000"))
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 200*time.Millisecond, "claim %d waited on the repository", i)
	}

	start := time.Now()
	results := e.SubmitBatch(ctx, [][]byte{
		claimPayload(t, "HB-1", "120"),
		claimPayload(t, "HB-2", "18000"),
	})
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	for _, res := range results {
		require.NoError(t, res.Err)
	}
}

func TestRestoreKeepsStoredRuleActivation(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)
	lru := cache.NewLRUCache(1000)
	t.Cleanup(func() { _ = lru.Close() })

	d := dispatch.New(domain.DispatchConfig{Workers: 2}, lru)
	d.Start(ctx)

	e := newEngineWith(t, Collaborators{Repository: repo, Cache: lru, Dispatcher: d})
	_, err := e.DeactivateRule(ctx, "DET_001")
	require.NoError(t, err)
	_, err = e.RegisterRule(ctx, domain.Rule{
		ID:        "DET_003",
		Version:   "2.0.0",
		Name:      "Pharmacy network",
		Category:  domain.CategoryRelational,
		Priority:  domain.PriorityHigh,
		Predicate: domain.PredicateSpec{Kind: domain.PredicateExpression, Expression: `false`},
		Weight:    0.5,
		Active:    true,
	})
	require.NoError(t, err)
	stopDispatcher(t, d)

	fresh := newEngineWith(t, Collaborators{Repository: repo})
	require.NoError(t, fresh.Restore(ctx))

	snap := fresh.registry.Snapshot()
	assert.False(t, snap.Active("DET_001"), "a deactivated rule stays retired after restart")
	for _, r := range snap.Rules() {
		if r.ID == "DET_003" {
			assert.Equal(t, "2.0.0", r.Version)
		}
	}
	assert.True(t, snap.Active("DET_002"), "rules never touched keep the default pack state")

	out, err := fresh.SubmitClaim(ctx, claimPayload(t, "AFTER", "18000"))
	require.NoError(t, err)
	assert.NotContains(t, out.Decision.ReasonCodes, "DET_001")
}

// slowCaseRepository delays writes of escalated cases.
type slowCaseRepository struct {
	domain.Repository
}

func (r slowCaseRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c.Status == domain.StatusEscalated {
		time.Sleep(200 * time.Millisecond)
	}
	return r.Repository.SaveCase(ctx, c)
}

func TestStoredCaseFollowsLatestState(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)
	lru := cache.NewLRUCache(1000)
	t.Cleanup(func() { _ = lru.Close() })

	d := dispatch.New(domain.DispatchConfig{Workers: 4}, lru)
	d.Start(ctx)

	e := newEngineWith(t, Collaborators{Repository: slowCaseRepository{repo}, Cache: lru, Dispatcher: d})
	_, err := e.SubmitClaim(ctx, claimPayload(t, "ORDER-1", "18000"))
	require.NoError(t, err)
	_, err = e.CloseCase(ctx, "ORDER-1", domain.ResolutionConfirmedFraud, "analyst-1", "")
	require.NoError(t, err)
	stopDispatcher(t, d)

	stored, err := repo.GetCase(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, stored.Status)

	fresh := newEngineWith(t, Collaborators{Repository: repo})
	require.NoError(t, fresh.Restore(ctx))
	c, err := fresh.GetCase("ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, c.Status)
	assert.Equal(t, domain.ResolutionConfirmedFraud, c.Resolution)
}

func TestDeactivateEntity(t *testing.T) {
	ctx := context.Background()
	repo := newSQLiteRepo(t)
	lru := cache.NewLRUCache(1000)
	t.Cleanup(func() { _ = lru.Close() })

	d := dispatch.New(domain.DispatchConfig{Workers: 2}, lru)
	d.Start(ctx)

	e := newEngineWith(t, Collaborators{Repository: repo, Cache: lru, Dispatcher: d})
	_, err := e.SubmitClaim(ctx, claimPayload(t, "ENT-1", "120", withPatient("PAT-X")))
	require.NoError(t, err)

	ref := domain.EntityRef{Kind: domain.EntityPatient, ID: "PAT-X"}
	_, err = e.DeactivateEntity(ctx, ref, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = e.DeactivateEntity(ctx, domain.EntityRef{Kind: "insurer", ID: "X"}, "analyst-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = e.DeactivateEntity(ctx, domain.EntityRef{Kind: domain.EntityPatient, ID: "PAT-404"}, "analyst-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ent, err := e.DeactivateEntity(ctx, ref, "analyst-1")
	require.NoError(t, err)
	assert.False(t, ent.Active)
	assert.Len(t, ent.History, 1)

	next := &domain.ClaimEvent{
		ClaimID:    "ENT-2",
		PatientID:  "PAT-X",
		ProviderID: "PRV-9",
		OccurredAt: occurredAt().Add(time.Hour),
	}
	assert.False(t, e.entities.Snapshot(next).HasPatient, "a deactivated patient contributes no history")
	stopDispatcher(t, d)

	fresh := newEngineWith(t, Collaborators{Repository: repo})
	require.NoError(t, fresh.Restore(ctx))
	restored, err := fresh.GetEntity(ref)
	require.NoError(t, err)
	assert.False(t, restored.Active)
	assert.Len(t, restored.History, 1)
}

func TestStatsAndAlerts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for _, c := range []struct{ id, amount string }{
		{"S-LOW", "120"},
		{"S-HIGH", "18000"},
		{"S-FRAUD", "17000"},
		{"S-CLEAR", "18000"},
	} {
		_, err := e.SubmitClaim(ctx, claimPayload(t, c.id, c.amount))
		require.NoError(t, err)
	}
	_, err := e.CloseCase(ctx, "S-FRAUD", domain.ResolutionConfirmedFraud, "analyst-1", "")
	require.NoError(t, err)
	_, err = e.CloseCase(ctx, "S-CLEAR", domain.ResolutionCleared, "analyst-1", "")
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, 4, s.Cases)
	assert.Equal(t, 1, s.ByStatus[domain.StatusValidated])
	assert.Equal(t, 1, s.ByStatus[domain.StatusEscalated])
	assert.Equal(t, 2, s.ByStatus[domain.StatusClosed])
	assert.Equal(t, 3, s.ByAction[domain.ActionEscalateLegal])
	assert.Equal(t, 1, s.OpenAlerts)
	assert.Equal(t, 2, s.AlertsResolved)
	assert.InDelta(t, 0.5, s.DetectionRate, 1e-9)
	assert.InDelta(t, 0.5, s.FalsePositiveRate, 1e-9)
	assert.Equal(t, int64(12_000), s.AmountAtRisk["MAD"][domain.ActionValidate])
	assert.Equal(t, int64(1_800_000), s.AmountAtRisk["MAD"][domain.ActionEscalateLegal])

	var alerts []string
	for c := range e.Alerts() {
		alerts = append(alerts, c.ClaimID)
	}
	assert.Equal(t, []string{"S-HIGH"}, alerts)
}
