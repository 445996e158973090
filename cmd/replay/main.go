// Replay tool for measuring AXM against a labelled claims export.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/claims.csv -url http://localhost:8080
//
// The CSV header must name at least claim_id, patient_id, provider_id, amount
// and occurred_at. pharmacy_id, currency, medication_code, diagnosis_code,
// dosage, prescription_ref and is_fraud are optional. With is_fraud present,
// investigate and escalate_legal decisions count as alerts and a confusion
// matrix is printed.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ClaimRow is one row of the export.
type ClaimRow struct {
	ClaimID        string
	PatientID      string
	ProviderID     string
	PharmacyID     string
	Amount         string
	Currency       string
	MedicationCode string
	DiagnosisCode  string
	Dosage         int64
	Prescription   string
	OccurredAt     string

	Labelled bool
	IsFraud  bool
}

// ClaimRequest is the AXM claim payload.
type ClaimRequest struct {
	ClaimID        string     `json:"claimId"`
	PatientID      string     `json:"patientId"`
	ProviderID     string     `json:"providerId"`
	PharmacyID     string     `json:"pharmacyId,omitempty"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency,omitempty"`
	MedicationCode string     `json:"medicationCode,omitempty"`
	DiagnosisCode  string     `json:"diagnosisCode,omitempty"`
	Dosage         int64      `json:"dosage,omitempty"`
	OccurredAt     string     `json:"occurredAt"`
	Documents      []Document `json:"documents,omitempty"`
}

// Document is an attached supporting document.
type Document struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

// ClaimResponse is the subset of the AXM response the tool reads.
type ClaimResponse struct {
	Status    string `json:"status"`
	CaseScore struct {
		CompositeScore int `json:"compositeScore"`
	} `json:"caseScore"`
	Decision struct {
		Action      string   `json:"action"`
		ReasonCodes []string `json:"reasonCodes"`
	} `json:"decision"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalLabelled  int64
	TotalErrors    int64
	TotalRejected  int64

	ProcessingTimeMs int64

	mu      sync.Mutex
	actions map[string]int64
	reasons map[string]int64
}

func (m *Metrics) record(resp *ClaimResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[resp.Decision.Action]++
	for _, code := range resp.Decision.ReasonCodes {
		m.reasons[code]++
	}
}

var errRejected = errors.New("claim rejected")

func main() {
	csvPath := flag.String("csv", "", "Path to the claims CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "AXM base URL")
	limit := flag.Int("limit", 10000, "Maximum claims to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each claim result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/claims.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                  AXM REPLAY - Claims Export                   |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("AXM URL:   %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: AXM not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("AXM is healthy")

	claims, err := readClaimsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d claims\n", len(claims))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	metrics := replay(claims, *baseURL, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readClaimsCSV(path string, limit int) ([]ClaimRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"claim_id", "patient_id", "provider_id", "amount", "occurred_at"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var claims []ClaimRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		dosage, _ := strconv.ParseInt(field(record, "dosage"), 10, 64)
		label := field(record, "is_fraud")
		claims = append(claims, ClaimRow{
			ClaimID:        field(record, "claim_id"),
			PatientID:      field(record, "patient_id"),
			ProviderID:     field(record, "provider_id"),
			PharmacyID:     field(record, "pharmacy_id"),
			Amount:         field(record, "amount"),
			Currency:       field(record, "currency"),
			MedicationCode: field(record, "medication_code"),
			DiagnosisCode:  field(record, "diagnosis_code"),
			Dosage:         dosage,
			Prescription:   field(record, "prescription_ref"),
			OccurredAt:     field(record, "occurred_at"),
			Labelled:       label != "",
			IsFraud:        label == "1" || strings.EqualFold(label, "true"),
		})

		if limit > 0 && len(claims) >= limit {
			break
		}
	}
	return claims, nil
}

func replay(claims []ClaimRow, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{
		actions: make(map[string]int64),
		reasons: make(map[string]int64),
	}

	work := make(chan ClaimRow, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := submitClaim(client, baseURL, row)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					if errors.Is(err, errRejected) {
						atomic.AddInt64(&metrics.TotalRejected, 1)
					} else {
						atomic.AddInt64(&metrics.TotalErrors, 1)
					}
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.ClaimID, err)
					}
					continue
				}

				metrics.record(result)

				alert := result.Decision.Action == "investigate" || result.Decision.Action == "escalate_legal"
				if row.Labelled {
					atomic.AddInt64(&metrics.TotalLabelled, 1)
					switch {
					case alert && row.IsFraud:
						atomic.AddInt64(&metrics.TruePositives, 1)
					case alert && !row.IsFraud:
						atomic.AddInt64(&metrics.FalsePositives, 1)
					case !alert && !row.IsFraud:
						atomic.AddInt64(&metrics.TrueNegatives, 1)
					default:
						atomic.AddInt64(&metrics.FalseNegatives, 1)
					}
				}

				if verbose {
					fmt.Printf("%-14s | Amount: %12s | Score: %3d | %-14s | %s\n",
						row.ClaimID,
						row.Amount,
						result.CaseScore.CompositeScore,
						result.Decision.Action,
						strings.Join(result.Decision.ReasonCodes, ","),
					)
				}
			}
		}()
	}

	for _, row := range claims {
		work <- row
	}
	close(work)
	wg.Wait()

	return metrics
}

func submitClaim(client *http.Client, baseURL string, row ClaimRow) (*ClaimResponse, error) {
	req := ClaimRequest{
		ClaimID:        row.ClaimID,
		PatientID:      row.PatientID,
		ProviderID:     row.ProviderID,
		PharmacyID:     row.PharmacyID,
		Amount:         row.Amount,
		Currency:       row.Currency,
		MedicationCode: row.MedicationCode,
		DiagnosisCode:  row.DiagnosisCode,
		Dosage:         row.Dosage,
		OccurredAt:     row.OccurredAt,
	}
	if row.Prescription != "" {
		req.Documents = []Document{{Kind: "prescription", Reference: row.Prescription}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/claims", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict:
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s", errRejected, bytes.TrimSpace(msg))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ClaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        REPLAY RESULTS                         |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Labelled:         %d\n", m.TotalLabelled)
	fmt.Printf("   Rejected:         %d\n", m.TotalRejected)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nDECISIONS\n")
	for _, action := range []string{"validate", "monitor", "investigate", "escalate_legal"} {
		fmt.Printf("   %-15s %d\n", action+":", m.actions[action])
	}

	if len(m.reasons) > 0 {
		codes := make([]string, 0, len(m.reasons))
		for code := range m.reasons {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return m.reasons[codes[i]] > m.reasons[codes[j]] })
		fmt.Printf("\nTOP REASON CODES\n")
		for i, code := range codes {
			if i == 10 {
				break
			}
			fmt.Printf("   %-10s %d\n", code, m.reasons[code])
		}
	}

	if m.TotalLabelled > 0 {
		fmt.Printf("\nCONFUSION MATRIX (alert = investigate or escalate_legal)\n")
		fmt.Println("                     Predicted")
		fmt.Println("                  ALERT     CLEAR")
		fmt.Printf("   Actual  F   %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
		fmt.Printf("          NF   %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

		precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
		recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		fmt.Printf("\nDETECTION\n")
		fmt.Printf("   Precision:  %.4f\n", precision)
		fmt.Printf("   Recall:     %.4f\n", recall)
		fmt.Printf("   F1-Score:   %.4f\n", f1)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f claims/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
