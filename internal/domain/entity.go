package domain

import "time"

// EntityKind identifies the role an entity plays in a claim.
type EntityKind string

const (
	EntityPatient  EntityKind = "patient"
	EntityProvider EntityKind = "provider"
	EntityPharmacy EntityKind = "pharmacy"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityPatient, EntityProvider, EntityPharmacy:
		return true
	}
	return false
}

// EntityRef identifies an entity.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Key returns a stable map key for the entity.
func (r EntityRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// Entity is a patient, prescriber or pharmacy tracked across claims.
// Entities are deactivated, never deleted.
type Entity struct {
	EntityRef
	Active       bool           `json:"active"`
	LastActivity time.Time      `json:"lastActivity"`
	History      []HistoryEntry `json:"history"`
}

// HistoryEntry is one past claim in an entity's rolling window.
type HistoryEntry struct {
	ClaimID        string    `json:"claimId"`
	PatientID      string    `json:"patientId"`
	ProviderID     string    `json:"providerId"`
	PharmacyID     string    `json:"pharmacyId,omitempty"`
	AmountMinor    int64     `json:"amountMinor"`
	MedicationCode string    `json:"medicationCode,omitempty"`
	DiagnosisCode  string    `json:"diagnosisCode,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// NewHistoryEntry builds the history record for a claim.
func NewHistoryEntry(ev *ClaimEvent) HistoryEntry {
	return HistoryEntry{
		ClaimID:        ev.ClaimID,
		PatientID:      ev.PatientID,
		ProviderID:     ev.ProviderID,
		PharmacyID:     ev.PharmacyID,
		AmountMinor:    ev.AmountMinor,
		MedicationCode: ev.MedicationCode,
		DiagnosisCode:  ev.DiagnosisCode,
		OccurredAt:     ev.OccurredAt,
	}
}

// HistorySnapshot is a read-only view of the histories involved in one claim,
// taken before the claim itself is appended.
type HistorySnapshot struct {
	Patient  []HistoryEntry `json:"patient,omitempty"`
	Provider []HistoryEntry `json:"provider,omitempty"`
	Pharmacy []HistoryEntry `json:"pharmacy,omitempty"`

	HasPatient  bool `json:"hasPatient"`
	HasProvider bool `json:"hasProvider"`
	HasPharmacy bool `json:"hasPharmacy"`

	// Live counters from the velocity service, keyed by feature name.
	Velocity map[string]int64 `json:"velocity,omitempty"`
}
