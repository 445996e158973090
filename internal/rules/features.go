package rules

import (
	"math"
	"time"

	"github.com/opensource-finance/axm/internal/domain"
)

const (
	lateDayStart  = 17
	lateDayEnd    = 18
	monthEndFrom  = 25
	recentWindow  = 30 * 24 * time.Hour
	velocityBurst = "provider_submissions_1h"
)

// Features are the derived values rule predicates read. They are computed
// from the claim and its history snapshot only, with the claim's own
// timestamp as "now", so evaluation never depends on the wall clock.
type Features struct {
	Amount      float64
	AmountMinor int64

	PatientClaims30d     int64
	PatientPharmacies30d int64
	PatientAvgAmount     float64
	PatientAmountRatio   float64

	ProviderClaims30d     int64
	ProviderClaimsTotal   int64
	ProviderPharmacyLinks int64
	ProviderLateShare     float64
	ProviderMonthEndShare float64

	Hour       int64
	DayOfMonth int64

	DocumentCount   int64
	HasPrescription bool
	HasInvoice      bool

	ProviderSubmissions1h int64
}

// ComputeFeatures derives rule features for one claim.
func ComputeFeatures(ev *domain.ClaimEvent, hist *domain.HistorySnapshot) *Features {
	if hist == nil {
		hist = &domain.HistorySnapshot{}
	}
	now := ev.OccurredAt
	since := now.Add(-recentWindow)

	f := &Features{
		Amount:          ev.Amount(),
		AmountMinor:     ev.AmountMinor,
		Hour:            int64(now.Hour()),
		DayOfMonth:      int64(now.Day()),
		DocumentCount:   int64(len(ev.Documents)),
		HasPrescription: ev.HasDocument(domain.DocumentPrescription),
		HasInvoice:      ev.HasDocument(domain.DocumentInvoice),
	}

	pharmacies := make(map[string]struct{})
	var patientTotal int64
	for _, h := range hist.Patient {
		patientTotal += h.AmountMinor
		if h.OccurredAt.After(since) && !h.OccurredAt.After(now) {
			f.PatientClaims30d++
			if h.PharmacyID != "" {
				pharmacies[h.PharmacyID] = struct{}{}
			}
		}
	}
	if ev.PharmacyID != "" {
		pharmacies[ev.PharmacyID] = struct{}{}
	}
	f.PatientPharmacies30d = int64(len(pharmacies))
	if n := len(hist.Patient); n > 0 {
		avgMinor := float64(patientTotal) / float64(n)
		if avgMinor > 0 {
			f.PatientAvgAmount = avgMinor / math.Pow10(int(domain.CurrencyExponent(ev.Currency)))
			f.PatientAmountRatio = float64(ev.AmountMinor) / avgMinor
		}
	}

	// Temporal shares include the current claim so a new pattern shows up
	// as soon as it forms.
	late, monthEnd := countTemporal(now)
	for _, h := range hist.Provider {
		f.ProviderClaimsTotal++
		if h.OccurredAt.After(since) && !h.OccurredAt.After(now) {
			f.ProviderClaims30d++
		}
		if ev.PharmacyID != "" && h.PharmacyID == ev.PharmacyID {
			f.ProviderPharmacyLinks++
		}
		l, m := countTemporal(h.OccurredAt)
		late += l
		monthEnd += m
	}
	total := float64(f.ProviderClaimsTotal + 1)
	f.ProviderLateShare = float64(late) / total
	f.ProviderMonthEndShare = float64(monthEnd) / total

	if hist.Velocity != nil {
		f.ProviderSubmissions1h = hist.Velocity[velocityBurst]
	}

	return f
}

// Activation returns the CEL variable bindings for the claim.
func (f *Features) Activation(ev *domain.ClaimEvent) map[string]any {
	return map[string]any{
		"amount":                   f.Amount,
		"amount_minor":             f.AmountMinor,
		"currency":                 ev.Currency,
		"medication_code":          ev.MedicationCode,
		"diagnosis_code":           ev.DiagnosisCode,
		"dosage":                   ev.Dosage,
		"has_pharmacy":             ev.PharmacyID != "",
		"patient_claims_30d":       f.PatientClaims30d,
		"patient_pharmacies_30d":   f.PatientPharmacies30d,
		"patient_avg_amount":       f.PatientAvgAmount,
		"patient_amount_ratio":     f.PatientAmountRatio,
		"provider_claims_30d":      f.ProviderClaims30d,
		"provider_claims_total":    f.ProviderClaimsTotal,
		"provider_pharmacy_links":  f.ProviderPharmacyLinks,
		"provider_late_share":      f.ProviderLateShare,
		"provider_month_end_share": f.ProviderMonthEndShare,
		"provider_submissions_1h":  f.ProviderSubmissions1h,
		"hour":                     f.Hour,
		"day_of_month":             f.DayOfMonth,
		"document_count":           f.DocumentCount,
		"has_prescription":         f.HasPrescription,
		"has_invoice":              f.HasInvoice,
	}
}

func countTemporal(t time.Time) (late, monthEnd int64) {
	if h := t.Hour(); h >= lateDayStart && h < lateDayEnd {
		late = 1
	}
	if t.Day() >= monthEndFrom {
		monthEnd = 1
	}
	return late, monthEnd
}
