package ledger

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patient(id string) domain.EntityRef {
	return domain.EntityRef{Kind: domain.EntityPatient, ID: id}
}

func TestRecordIdempotent(t *testing.T) {
	e := NewEntities(8, 0)

	assert.True(t, e.Record(claim("CLM-1")))
	assert.False(t, e.Record(claim("CLM-1")))

	ent, err := e.Get(patient("PAT-1"))
	require.NoError(t, err)
	assert.Len(t, ent.History, 1)
	assert.True(t, ent.Active)
	assert.Equal(t, claim("CLM-1").OccurredAt, ent.LastActivity)
	assert.Equal(t, 3, e.Len())
}

func TestConcurrentClaimsSamePatient(t *testing.T) {
	e := NewEntities(4, 0)

	for round := 0; round < 50; round++ {
		pat := fmt.Sprintf("PAT-%d", round)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ev := claim(fmt.Sprintf("CLM-%d-%d", round, i))
				ev.PatientID = pat
				ev.ProviderID = fmt.Sprintf("PRV-%d", i)
				<-start
				e.Record(ev)
			}(i)
		}
		close(start)
		wg.Wait()

		ent, err := e.Get(patient(pat))
		require.NoError(t, err)
		require.Len(t, ent.History, 2, "round %d lost an update", round)
	}
}

func TestSnapshotExcludesClaimAndFuture(t *testing.T) {
	e := NewEntities(8, 30*24*time.Hour)

	old := claim("OLD")
	old.OccurredAt = t0.Add(-60 * 24 * time.Hour)
	mid := claim("MID")
	mid.OccurredAt = t0.Add(-5 * 24 * time.Hour)
	later := claim("LATER")
	later.OccurredAt = t0.Add(24 * time.Hour)
	current := claim("CUR")
	current.OccurredAt = t0

	for _, ev := range []*domain.ClaimEvent{old, mid, later, current} {
		e.Record(ev)
	}

	hist := e.Snapshot(current)
	require.Len(t, hist.Patient, 1)
	assert.Equal(t, "MID", hist.Patient[0].ClaimID)
	assert.True(t, hist.HasPatient)
	assert.True(t, hist.HasProvider)
	assert.True(t, hist.HasPharmacy)

	fresh := claim("NEW")
	fresh.PatientID = "PAT-NEW"
	fresh.ProviderID = "PRV-NEW"
	fresh.PharmacyID = ""
	hist = e.Snapshot(fresh)
	assert.False(t, hist.HasPatient)
	assert.False(t, hist.HasProvider)
	assert.False(t, hist.HasPharmacy)
}

func TestDeactivate(t *testing.T) {
	e := NewEntities(8, 0)
	e.Record(claim("CLM-1"))

	require.NoError(t, e.Deactivate(patient("PAT-1")))
	ent, err := e.Get(patient("PAT-1"))
	require.NoError(t, err)
	assert.False(t, ent.Active)
	assert.Len(t, ent.History, 1, "deactivated entities keep their history")

	next := claim("CLM-2")
	assert.False(t, e.Snapshot(next).HasPatient)

	assert.ErrorIs(t, e.Deactivate(patient("PAT-404")), domain.ErrNotFound)
}

func TestPrune(t *testing.T) {
	e := NewEntities(8, 30*24*time.Hour)
	old := claim("OLD")
	old.OccurredAt = t0.Add(-45 * 24 * time.Hour)
	e.Record(old)
	e.Record(claim("NEW"))

	// patient, provider and pharmacy each drop OLD
	assert.Equal(t, 3, e.Prune(t0))

	ent, err := e.Get(patient("PAT-1"))
	require.NoError(t, err)
	require.Len(t, ent.History, 1)
	assert.Equal(t, "NEW", ent.History[0].ClaimID)
}

func TestRestoreEntity(t *testing.T) {
	e := NewEntities(8, 0)
	e.Restore(domain.Entity{
		EntityRef: patient("PAT-9"),
		Active:    true,
		History:   []domain.HistoryEntry{{ClaimID: "CLM-9", OccurredAt: t0}},
	})

	ev := claim("CLM-9")
	ev.PatientID = "PAT-9"
	e.Record(ev)

	ent, err := e.Get(patient("PAT-9"))
	require.NoError(t, err)
	assert.Len(t, ent.History, 1, "restored claims are not appended twice")
}
