package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/opensource-finance/axm/internal/domain"
	"gopkg.in/yaml.v3"
)

// Builtin predicate names.
const (
	BuiltinDiagnosisCoherence = "diagnosis_medication_coherence"
	BuiltinDosageCeiling      = "dosage_ceiling"
)

// DefaultBuiltins returns the Go-implemented predicates.
func DefaultBuiltins() map[string]Predicate {
	return map[string]Predicate{
		BuiltinDiagnosisCoherence: PredicateFunc(diagnosisCoherence),
		BuiltinDosageCeiling:      PredicateFunc(dosageCeiling),
	}
}

// DefaultRules returns the stock detection rules, active at version 1.0.0.
// Weights within each category sum to 1.0.
func DefaultRules() []domain.Rule {
	expr := func(e string) domain.PredicateSpec {
		return domain.PredicateSpec{Kind: domain.PredicateExpression, Expression: e}
	}
	builtin := func(name string) domain.PredicateSpec {
		return domain.PredicateSpec{Kind: domain.PredicateBuiltin, Builtin: name}
	}

	rules := []domain.Rule{
		{
			ID:          "DET_001",
			Name:        "High prescription amount",
			Description: "Prescription amount above 5000 MAD",
			Category:    domain.CategoryFinancial,
			Priority:    domain.PriorityCritical,
			Predicate:   expr(`amount > 5000.0 ? (amount >= 15000.0 ? 95.0 : 60.0 + (amount - 5000.0) * 0.0035) : 0.0`),
			Weight:      0.7,
		},
		{
			ID:          "FIN_002",
			Name:        "Round high amount",
			Description: "Amount of at least 1000 that is an exact multiple of 1000",
			Category:    domain.CategoryFinancial,
			Priority:    domain.PriorityLow,
			Predicate:   expr(`amount >= 1000.0 && int(amount) % 1000 == 0 && double(int(amount)) == amount ? 40.0 : 0.0`),
			Weight:      0.3,
		},
		{
			ID:          "DET_002",
			Name:        "Abnormal consultation frequency",
			Description: "More than 15 claims for the patient in 30 days",
			Category:    domain.CategoryBehavioral,
			Priority:    domain.PriorityMedium,
			Predicate:   expr(`patient_claims_30d > 15`),
			Weight:      0.35,
		},
		{
			ID:          "COMP_001",
			Name:        "Patient spend deviation",
			Description: "Claim amount at least three times the patient's average",
			Category:    domain.CategoryBehavioral,
			Priority:    domain.PriorityHigh,
			Predicate:   expr(`patient_amount_ratio >= 3.0 ? (patient_amount_ratio >= 6.0 ? 100.0 : 55.0 + (patient_amount_ratio - 3.0) * 15.0) : 0.0`),
			Weight:      0.45,
		},
		{
			ID:          "DET_004",
			Name:        "Provider submission burst",
			Description: "More than 30 claims from one prescriber within an hour",
			Category:    domain.CategoryBehavioral,
			Priority:    domain.PriorityMedium,
			Predicate:   expr(`provider_submissions_1h > 30 ? (provider_submissions_1h >= 60 ? 100.0 : double(provider_submissions_1h) * 100.0 / 60.0) : 0.0`),
			Weight:      0.2,
		},
		{
			ID:          "TMP_001",
			Name:        "Late-day concentration",
			Description: "More than 60% of the prescriber's claims between 17h and 18h",
			Category:    domain.CategoryTemporal,
			Priority:    domain.PriorityMedium,
			Predicate:   expr(`provider_claims_total >= 9 && provider_late_share > 0.6`),
			Weight:      0.6,
		},
		{
			ID:          "TMP_002",
			Name:        "End-of-month peak",
			Description: "More than 40% of the prescriber's claims on days 25 to 31",
			Category:    domain.CategoryTemporal,
			Priority:    domain.PriorityLow,
			Predicate:   expr(`provider_claims_total >= 9 && provider_month_end_share > 0.4 ? 60.0 : 0.0`),
			Weight:      0.4,
		},
		{
			ID:          "DET_003",
			Name:        "Prescriber-pharmacy network",
			Description: "More than 10 prior claims linking this prescriber to this pharmacy",
			Category:    domain.CategoryRelational,
			Priority:    domain.PriorityCritical,
			Predicate:   expr(`provider_pharmacy_links > 10 ? (provider_pharmacy_links >= 20 ? 95.0 : 70.0 + double(provider_pharmacy_links - 10) * 2.5) : 0.0`),
			Weight:      0.6,
		},
		{
			ID:          "REL_001",
			Name:        "Pharmacy shopping",
			Description: "Patient used four or more pharmacies in 30 days",
			Category:    domain.CategoryRelational,
			Priority:    domain.PriorityMedium,
			Predicate:   expr(`patient_pharmacies_30d >= 4 ? 60.0 + double(patient_pharmacies_30d - 4) * 10.0 : 0.0`),
			Weight:      0.4,
		},
		{
			ID:          "DOC_001",
			Name:        "Missing prescription",
			Description: "Medication claim without an attached prescription",
			Category:    domain.CategoryDocumentary,
			Priority:    domain.PriorityHigh,
			Predicate:   expr(`medication_code != "" && !has_prescription ? 70.0 : 0.0`),
			Weight:      0.3,
		},
		{
			ID:          "VAL_001",
			Name:        "Diagnosis-medication coherence",
			Description: "ICD-10 diagnosis does not support the ATC medication",
			Category:    domain.CategoryDocumentary,
			Priority:    domain.PriorityHigh,
			Predicate:   builtin(BuiltinDiagnosisCoherence),
			Weight:      0.4,
		},
		{
			ID:          "VAL_002",
			Name:        "Dosage above maximum",
			Description: "Prescribed daily dosage exceeds the reference maximum",
			Category:    domain.CategoryDocumentary,
			Priority:    domain.PriorityMedium,
			Predicate:   builtin(BuiltinDosageCeiling),
			Weight:      0.3,
		},
	}

	for i := range rules {
		rules[i].Version = "1.0.0"
		rules[i].Active = true
	}
	return rules
}

// rulePack is the YAML layout of a rule pack file.
type rulePack struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadPack reads rules from a YAML file.
func LoadPack(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}

	var pack rulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse rule pack %s: %w", path, err)
	}
	return pack.Rules, nil
}

// ATC prefix to the ICD-10 prefixes it is indicated for. Medications not
// listed are not checked.
var indications = map[string][]string{
	"A10":  {"E1", "O24"},
	"C07":  {"I"},
	"C08":  {"I"},
	"C09":  {"I", "N18"},
	"H03":  {"E0"},
	"J01":  {"A", "B", "H6", "J", "L0", "N3", "N7"},
	"L01":  {"C", "D0", "D3", "D4"},
	"N06A": {"F"},
	"R03":  {"J4"},
}

func diagnosisCoherence(in *Input) (Verdict, error) {
	med, diag := in.Event.MedicationCode, in.Event.DiagnosisCode
	if med == "" || diag == "" {
		return Verdict{}, nil
	}

	prefix, allowed := lookupIndication(med)
	if allowed == nil {
		return Verdict{}, nil
	}
	for _, p := range allowed {
		if strings.HasPrefix(diag, p) {
			return Verdict{}, nil
		}
	}
	return Verdict{
		Score:    85,
		Observed: 1,
		Reason:   fmt.Sprintf("diagnosis %s is not an indication for %s (%s)", diag, med, prefix),
	}, nil
}

func lookupIndication(med string) (string, []string) {
	// Longest prefix wins.
	for n := len(med); n >= 3; n-- {
		if allowed, ok := indications[med[:n]]; ok {
			return med[:n], allowed
		}
	}
	return "", nil
}

// Maximum daily dosage in mg by ATC code.
var maxDailyDosage = map[string]int64{
	"N02BE01": 4000, // paracetamol
	"M01AE01": 2400, // ibuprofen
	"J01CA04": 3000, // amoxicillin
	"A10BA02": 3000, // metformin
	"N05BA01": 40,   // diazepam
	"N02AX02": 400,  // tramadol
}

func dosageCeiling(in *Input) (Verdict, error) {
	ceiling, ok := maxDailyDosage[in.Event.MedicationCode]
	if !ok || in.Event.Dosage <= ceiling {
		return Verdict{}, nil
	}

	ratio := float64(in.Event.Dosage) / float64(ceiling)
	return Verdict{
		Score:    clampScore(50 + 50*(ratio-1)),
		Observed: ratio,
		Reason:   fmt.Sprintf("dosage %dmg exceeds maximum %dmg", in.Event.Dosage, ceiling),
		Features: map[string]float64{"dosage": float64(in.Event.Dosage), "max_dosage": float64(ceiling)},
	}, nil
}
