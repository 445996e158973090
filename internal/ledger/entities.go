package ledger

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
)

type entityState struct {
	entity domain.Entity
	claims map[string]struct{}
}

type shard struct {
	mu       sync.RWMutex
	entities map[string]*entityState
}

// Entities holds the rolling claim history of every patient, prescriber and
// pharmacy. Writes to one entity are serialized by the stripe its key hashes
// to; a claim's entities are updated together.
type Entities struct {
	shards []*shard
	window time.Duration
}

// NewEntities creates a store with the given number of lock stripes. Entries
// older than window are excluded from snapshots and dropped by Prune.
func NewEntities(stripes int, window time.Duration) *Entities {
	if stripes <= 0 {
		stripes = 64
	}
	e := &Entities{
		shards: make([]*shard, stripes),
		window: window,
	}
	for i := range e.shards {
		e.shards[i] = &shard{entities: make(map[string]*entityState)}
	}
	return e
}

func (e *Entities) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// lockFor write-locks the stripes covering refs in ascending order and
// returns the unlock function.
func (e *Entities) lockFor(refs []domain.EntityRef) func() {
	idx := make([]int, 0, len(refs))
	seen := make(map[int]bool, len(refs))
	for _, r := range refs {
		i := e.shardIndex(r.Key())
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		e.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			e.shards[idx[j]].mu.Unlock()
		}
	}
}

// Record appends the claim to the history of each entity it references. It
// reports false when the claim was already recorded.
func (e *Entities) Record(ev *domain.ClaimEvent) bool {
	refs := ev.EntityRefs()
	unlock := e.lockFor(refs)
	defer unlock()

	entry := domain.NewHistoryEntry(ev)
	added := false
	for _, ref := range refs {
		sh := e.shards[e.shardIndex(ref.Key())]
		st, ok := sh.entities[ref.Key()]
		if !ok {
			st = &entityState{
				entity: domain.Entity{EntityRef: ref, Active: true},
				claims: make(map[string]struct{}),
			}
			sh.entities[ref.Key()] = st
		}
		if _, dup := st.claims[ev.ClaimID]; dup {
			continue
		}
		st.claims[ev.ClaimID] = struct{}{}
		st.entity.History = append(st.entity.History, entry)
		if ev.OccurredAt.After(st.entity.LastActivity) {
			st.entity.LastActivity = ev.OccurredAt
		}
		added = true
	}
	return added
}

// Snapshot returns the histories relevant to ev as of its occurred_at. The
// claim itself is excluded so re-scoring sees the same history.
func (e *Entities) Snapshot(ev *domain.ClaimEvent) *domain.HistorySnapshot {
	asOf := ev.OccurredAt
	hist := &domain.HistorySnapshot{
		Patient:  e.historyOf(domain.EntityRef{Kind: domain.EntityPatient, ID: ev.PatientID}, ev.ClaimID, asOf),
		Provider: e.historyOf(domain.EntityRef{Kind: domain.EntityProvider, ID: ev.ProviderID}, ev.ClaimID, asOf),
	}
	if ev.PharmacyID != "" {
		hist.Pharmacy = e.historyOf(domain.EntityRef{Kind: domain.EntityPharmacy, ID: ev.PharmacyID}, ev.ClaimID, asOf)
	}
	hist.HasPatient = len(hist.Patient) > 0
	hist.HasProvider = len(hist.Provider) > 0
	hist.HasPharmacy = len(hist.Pharmacy) > 0
	return hist
}

func (e *Entities) historyOf(ref domain.EntityRef, exclude string, asOf time.Time) []domain.HistoryEntry {
	sh := e.shards[e.shardIndex(ref.Key())]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.entities[ref.Key()]
	if !ok || !st.entity.Active {
		return nil
	}

	var since time.Time
	if e.window > 0 {
		since = asOf.Add(-e.window)
	}

	var out []domain.HistoryEntry
	for _, h := range st.entity.History {
		if h.ClaimID == exclude || h.OccurredAt.After(asOf) {
			continue
		}
		if !since.IsZero() && !h.OccurredAt.After(since) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Get returns a copy of an entity.
func (e *Entities) Get(ref domain.EntityRef) (domain.Entity, error) {
	sh := e.shards[e.shardIndex(ref.Key())]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	st, ok := sh.entities[ref.Key()]
	if !ok {
		return domain.Entity{}, fmt.Errorf("entity %s: %w", ref.Key(), domain.ErrNotFound)
	}
	out := st.entity
	out.History = append([]domain.HistoryEntry(nil), st.entity.History...)
	return out, nil
}

// LastActivity returns the most recent claim time of an entity, or the zero
// time if it is unknown.
func (e *Entities) LastActivity(ref domain.EntityRef) time.Time {
	sh := e.shards[e.shardIndex(ref.Key())]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if st, ok := sh.entities[ref.Key()]; ok {
		return st.entity.LastActivity
	}
	return time.Time{}
}

// Deactivate stops an entity's history from feeding new evaluations. The
// history itself is kept.
func (e *Entities) Deactivate(ref domain.EntityRef) error {
	unlock := e.lockFor([]domain.EntityRef{ref})
	defer unlock()

	st, ok := e.shards[e.shardIndex(ref.Key())].entities[ref.Key()]
	if !ok {
		return fmt.Errorf("entity %s: %w", ref.Key(), domain.ErrNotFound)
	}
	st.entity.Active = false
	return nil
}

// Restore loads a persisted entity, replacing any in-memory state.
func (e *Entities) Restore(ent domain.Entity) {
	unlock := e.lockFor([]domain.EntityRef{ent.EntityRef})
	defer unlock()

	st := &entityState{
		entity: ent,
		claims: make(map[string]struct{}, len(ent.History)),
	}
	st.entity.History = append([]domain.HistoryEntry(nil), ent.History...)
	for _, h := range ent.History {
		st.claims[h.ClaimID] = struct{}{}
	}
	e.shards[e.shardIndex(ent.Key())].entities[ent.Key()] = st
}

// Prune drops history entries that fell out of the window as of now and
// returns how many were removed.
func (e *Entities) Prune(now time.Time) int {
	if e.window <= 0 {
		return 0
	}
	cutoff := now.Add(-e.window)

	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, st := range sh.entities {
			kept := st.entity.History[:0]
			for _, h := range st.entity.History {
				if h.OccurredAt.After(cutoff) {
					kept = append(kept, h)
					continue
				}
				delete(st.claims, h.ClaimID)
				removed++
			}
			st.entity.History = kept
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of known entities.
func (e *Entities) Len() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.RLock()
		n += len(sh.entities)
		sh.mu.RUnlock()
	}
	return n
}
