// Package normalize turns raw claim payloads into canonical ClaimEvents.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

const schemaURL = "https://axm.local/schemas/claim.schema.json"

// claimSchema checks payload structure. Semantic checks (negative amounts,
// future timestamps, blank identifiers) live in NormalizeClaim.
const claimSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["claimId", "patientId", "providerId", "amount", "occurredAt"],
  "properties": {
    "claimId":        {"type": "string", "minLength": 1, "maxLength": 128},
    "patientId":      {"type": "string", "minLength": 1, "maxLength": 128},
    "providerId":     {"type": "string", "minLength": 1, "maxLength": 128},
    "pharmacyId":     {"type": "string", "maxLength": 128},
    "amount":         {"type": ["number", "string"]},
    "currency":       {"type": "string", "pattern": "^[A-Za-z]{3}$"},
    "medicationCode": {"type": "string", "maxLength": 32},
    "diagnosisCode":  {"type": "string", "maxLength": 32},
    "dosage":         {"type": "integer"},
    "occurredAt":     {"type": "string", "minLength": 1},
    "documents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "reference"],
        "properties": {
          "kind":      {"type": "string", "minLength": 1},
          "reference": {"type": "string", "minLength": 1},
          "issuedAt":  {"type": "string"}
        }
      }
    }
  }
}`

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer validates and canonicalizes claims. It is safe for concurrent use
// and never writes anywhere.
type Normalizer struct {
	schema          *jsonschema.Schema
	skew            time.Duration
	defaultCurrency string
	now             func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the clock used for the future-timestamp check.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New compiles the claim schema and returns a Normalizer.
func New(cfg domain.NormalizerConfig, opts ...Option) (*Normalizer, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(claimSchema)); err != nil {
		return nil, fmt.Errorf("claim schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("claim schema compile failed: %w", err)
	}

	n := &Normalizer{
		schema:          schema,
		skew:            cfg.ClockSkew,
		defaultCurrency: strings.ToUpper(cfg.DefaultCurrency),
		now:             time.Now,
	}
	if n.defaultCurrency == "" {
		n.defaultCurrency = "MAD"
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Normalize validates a JSON payload against the claim schema, then
// canonicalizes it.
func (n *Normalizer) Normalize(payload []byte) (*domain.ClaimEvent, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.MalformedInputError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := n.schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var raw domain.RawClaim
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &domain.MalformedInputError{Reason: err.Error()}
	}
	return n.NormalizeClaim(&raw)
}

// NormalizeClaim canonicalizes an already-decoded payload. It fails rather
// than defaulting any required field.
func (n *Normalizer) NormalizeClaim(raw *domain.RawClaim) (*domain.ClaimEvent, error) {
	if raw == nil {
		return nil, &domain.MalformedInputError{Reason: "empty payload"}
	}

	ev := &domain.ClaimEvent{
		ClaimID:        strings.TrimSpace(raw.ClaimID),
		PatientID:      strings.TrimSpace(raw.PatientID),
		ProviderID:     strings.TrimSpace(raw.ProviderID),
		PharmacyID:     strings.TrimSpace(raw.PharmacyID),
		MedicationCode: canonicalCode(raw.MedicationCode),
		DiagnosisCode:  canonicalCode(raw.DiagnosisCode),
		Dosage:         raw.Dosage,
		Documents:      []domain.Document{},
	}

	switch {
	case ev.ClaimID == "":
		return nil, &domain.MalformedInputError{Field: "claimId", Reason: "required"}
	case ev.PatientID == "":
		return nil, &domain.MalformedInputError{Field: "patientId", Reason: "required"}
	case ev.ProviderID == "":
		return nil, &domain.MalformedInputError{Field: "providerId", Reason: "required"}
	case ev.Dosage < 0:
		return nil, &domain.MalformedInputError{Field: "dosage", Reason: "must not be negative"}
	}

	ev.Currency = strings.ToUpper(strings.TrimSpace(raw.Currency))
	if ev.Currency == "" {
		ev.Currency = n.defaultCurrency
	}

	minor, err := ToMinorUnits(raw.Amount, ev.Currency)
	if err != nil {
		return nil, err
	}
	ev.AmountMinor = minor

	if strings.TrimSpace(raw.OccurredAt) == "" {
		return nil, &domain.MalformedInputError{Field: "occurredAt", Reason: "required"}
	}
	occurred, err := parseTime(raw.OccurredAt)
	if err != nil {
		return nil, &domain.MalformedInputError{Field: "occurredAt", Reason: err.Error()}
	}
	if occurred.After(n.now().Add(n.skew)) {
		return nil, &domain.MalformedInputError{Field: "occurredAt", Reason: "in the future beyond clock-skew tolerance"}
	}
	ev.OccurredAt = occurred

	seen := make(map[string]bool, len(raw.Documents))
	for i, d := range raw.Documents {
		kind := strings.ToLower(strings.TrimSpace(d.Kind))
		ref := strings.TrimSpace(d.Reference)
		if kind == "" || ref == "" {
			return nil, &domain.MalformedInputError{Field: fmt.Sprintf("documents[%d]", i), Reason: "kind and reference are required"}
		}
		key := kind + "\x00" + ref
		if seen[key] {
			continue
		}
		seen[key] = true

		doc := domain.Document{Kind: kind, Reference: ref}
		if d.IssuedAt != "" {
			issued, err := parseTime(d.IssuedAt)
			if err != nil {
				return nil, &domain.MalformedInputError{Field: fmt.Sprintf("documents[%d].issuedAt", i), Reason: err.Error()}
			}
			doc.IssuedAt = &issued
		}
		ev.Documents = append(ev.Documents, doc)
	}

	return ev, nil
}

// ToMinorUnits converts a JSON number or decimal string to integer minor
// units. Precision beyond the currency exponent is rejected, not rounded.
func ToMinorUnits(amount json.RawMessage, currency string) (int64, error) {
	text := strings.TrimSpace(string(amount))
	if text == "" || text == "null" {
		return 0, &domain.MalformedInputError{Field: "amount", Reason: "required"}
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(amount, &s); err != nil {
			return 0, &domain.MalformedInputError{Field: "amount", Reason: "invalid string"}
		}
		text = strings.TrimSpace(s)
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, &domain.MalformedInputError{Field: "amount", Reason: fmt.Sprintf("not a decimal: %q", text)}
	}
	if d.IsNegative() {
		return 0, &domain.MalformedInputError{Field: "amount", Reason: "must not be negative"}
	}

	exp := domain.CurrencyExponent(currency)
	shifted := d.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, &domain.MalformedInputError{Field: "amount", Reason: fmt.Sprintf("more than %d fractional digits for %s", exp, currency)}
	}
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, &domain.MalformedInputError{Field: "amount", Reason: "out of range"}
	}
	return shifted.IntPart(), nil
}

// FormatMinor renders minor units as a decimal string for display.
func FormatMinor(minor int64, currency string) string {
	exp := domain.CurrencyExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

func canonicalCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// schemaError flattens a schema failure to the first leaf cause.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &domain.MalformedInputError{Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	return &domain.MalformedInputError{Field: field, Reason: ve.Message}
}
