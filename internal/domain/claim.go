package domain

import (
	"encoding/json"
	"math"
	"time"
)

// ClaimEvent is a normalized prescription or reimbursement claim.
// Amounts are held in currency minor units.
type ClaimEvent struct {
	ClaimID     string `json:"claimId"`
	PatientID   string `json:"patientId"`
	ProviderID  string `json:"providerId"`
	PharmacyID  string `json:"pharmacyId,omitempty"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`

	// Nullable for non-pharma claims.
	MedicationCode string `json:"medicationCode,omitempty"`
	DiagnosisCode  string `json:"diagnosisCode,omitempty"`
	Dosage         int64  `json:"dosage,omitempty"`

	OccurredAt time.Time  `json:"occurredAt"`
	Documents  []Document `json:"documents"`
}

// Document describes a supporting document attached to a claim.
type Document struct {
	Kind      string     `json:"kind"`
	Reference string     `json:"reference"`
	IssuedAt  *time.Time `json:"issuedAt,omitempty"`
}

// Amount returns the claim amount in major currency units. It is meant for
// rule features only; money is never accumulated in floating point.
func (c *ClaimEvent) Amount() float64 {
	return float64(c.AmountMinor) / math.Pow10(int(CurrencyExponent(c.Currency)))
}

// HasDocument reports whether a document of the given kind is attached.
func (c *ClaimEvent) HasDocument(kind string) bool {
	for _, d := range c.Documents {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// EntityRefs returns the entities a claim touches, pharmacy last and only when set.
func (c *ClaimEvent) EntityRefs() []EntityRef {
	refs := []EntityRef{
		{Kind: EntityPatient, ID: c.PatientID},
		{Kind: EntityProvider, ID: c.ProviderID},
	}
	if c.PharmacyID != "" {
		refs = append(refs, EntityRef{Kind: EntityPharmacy, ID: c.PharmacyID})
	}
	return refs
}

// RawClaim is the ingress payload before normalization.
// Amount accepts a JSON number or a decimal string.
type RawClaim struct {
	ClaimID        string          `json:"claimId"`
	PatientID      string          `json:"patientId"`
	ProviderID     string          `json:"providerId"`
	PharmacyID     string          `json:"pharmacyId,omitempty"`
	Amount         json.RawMessage `json:"amount,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	MedicationCode string          `json:"medicationCode,omitempty"`
	DiagnosisCode  string          `json:"diagnosisCode,omitempty"`
	Dosage         int64           `json:"dosage,omitempty"`
	OccurredAt     string          `json:"occurredAt"`
	Documents      []RawDocument   `json:"documents,omitempty"`
}

// RawDocument is a document descriptor as submitted.
type RawDocument struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	IssuedAt  string `json:"issuedAt,omitempty"`
}

// Document kinds recognized by the default rule pack.
const (
	DocumentPrescription = "prescription"
	DocumentInvoice      = "invoice"
	DocumentCareSheet    = "care_sheet"
)

// Minor-unit exponents for currencies that differ from the default of 2.
var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"TND": 3,
	"KWD": 3,
	"BHD": 3,
	"OMR": 3,
}

// CurrencyExponent returns the number of minor-unit digits for an ISO-4217 code.
func CurrencyExponent(code string) int32 {
	if exp, ok := currencyExponent[code]; ok {
		return exp
	}
	return 2
}
