// Benchmark tool for exercising Heron against an ILEC-style record extract.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/records.csv -url http://localhost:8080
//
// This tool:
//  1. Reads policy records with model predictions from a CSV extract
//  2. Sends each record to Heron for explanation
//  3. Tallies pipeline outcomes (delivered, rejected, coverage gaps, schema errors)
//  4. Reports spotlight hit rate, relative-risk distribution, and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
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

// PolicyRecord is a row from the extract: the canonical features plus the
// model's predicted rate and the observation year.
type PolicyRecord struct {
	AttainedAge     float64
	IssueAge        float64
	Duration        float64
	Sex             string
	SmokerStatus    string
	InsurancePlan   string
	FaceAmountBand  string
	PreferredClass  string
	ObservationYear int
	PredictedRate   float64
}

// ExplainRequest is the Heron API request format.
type ExplainRequest struct {
	Record          map[string]any `json:"record"`
	ObservationYear int            `json:"observationYear"`
	Prediction      Prediction     `json:"prediction"`
}

// Prediction carries the model output.
type Prediction struct {
	Rate float64 `json:"rate"`
}

// ExplainResponse is the Heron API response format.
type ExplainResponse struct {
	ExplanationID string `json:"explanationId"`
	State         string `json:"state"` // "DELIVERED" or "REJECTED"
	Bundle        *struct {
		RelativeRisk float64 `json:"relativeRisk"`
		Match        struct {
			Coverage *struct {
				ID string `json:"id"`
			} `json:"coverage"`
			Spotlights []struct {
				ID string `json:"id"`
			} `json:"spotlights"`
			Ambiguous bool `json:"ambiguous"`
		} `json:"match"`
	} `json:"bundle"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	Delivered     int64
	Rejected      int64
	CoverageGaps  int64 // 422: no coverage segment matched
	SchemaErrors  int64 // 400: record rejected at validation
	Unavailable   int64 // 503: calibration not loaded
	OtherErrors   int64
	SpotlightHits int64
	Ambiguous     int64

	TotalProcessed   int64
	ProcessingTimeMs int64

	mu    sync.Mutex
	risks []float64
}

func (m *Metrics) addRisk(rr float64) {
	m.mu.Lock()
	m.risks = append(m.risks, rr)
	m.mu.Unlock()
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to record extract CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	portfolioID := flag.String("portfolio", "benchmark-test", "Portfolio ID for requests")
	limit := flag.Int("limit", 10000, "Maximum records to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each record result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/records.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          HERON BENCHMARK - Explanation Pipeline               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Heron URL:    %s\n", *baseURL)
	fmt.Printf("Portfolio ID: %s\n", *portfolioID)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Println()

	// Check Heron is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running:")
		fmt.Println("  cd heron && go run cmd/heron/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Heron is healthy")

	// Read record extract
	fmt.Printf("\nReading records from %s...\n", *csvPath)
	records, err := readRecordCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d records\n", len(records))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(records, *baseURL, *portfolioID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readRecordCSV(path string, limit int) ([]PolicyRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	col := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var records []PolicyRecord

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		attainedAge, _ := strconv.ParseFloat(col(record, "attained_age"), 64)
		issueAge, _ := strconv.ParseFloat(col(record, "issue_age"), 64)
		dur, _ := strconv.ParseFloat(col(record, "duration"), 64)
		obsYear, _ := strconv.Atoi(col(record, "observation_year"))
		rate, _ := strconv.ParseFloat(col(record, "predicted_rate"), 64)

		records = append(records, PolicyRecord{
			AttainedAge:     attainedAge,
			IssueAge:        issueAge,
			Duration:        dur,
			Sex:             col(record, "sex"),
			SmokerStatus:    col(record, "smoker_status"),
			InsurancePlan:   col(record, "insurance_plan"),
			FaceAmountBand:  col(record, "face_amount_band"),
			PreferredClass:  col(record, "preferred_class"),
			ObservationYear: obsYear,
			PredictedRate:   rate,
		})

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func runBenchmark(records []PolicyRecord, baseURL, portfolioID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan PolicyRecord, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for rec := range work {
				start := time.Now()
				result, status, err := explainRecord(client, baseURL, portfolioID, rec)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					switch status {
					case http.StatusUnprocessableEntity:
						atomic.AddInt64(&metrics.CoverageGaps, 1)
					case http.StatusBadRequest:
						atomic.AddInt64(&metrics.SchemaErrors, 1)
					case http.StatusServiceUnavailable:
						atomic.AddInt64(&metrics.Unavailable, 1)
					default:
						atomic.AddInt64(&metrics.OtherErrors, 1)
					}
					if verbose {
						fmt.Printf("✗ age %3.0f %s/%s -> %v\n", rec.AttainedAge, rec.Sex, rec.SmokerStatus, err)
					}
					continue
				}

				if result.State == "DELIVERED" {
					atomic.AddInt64(&metrics.Delivered, 1)
				} else {
					atomic.AddInt64(&metrics.Rejected, 1)
				}

				coverage := "-"
				if result.Bundle != nil {
					metrics.addRisk(result.Bundle.RelativeRisk)
					if len(result.Bundle.Match.Spotlights) > 0 {
						atomic.AddInt64(&metrics.SpotlightHits, 1)
					}
					if result.Bundle.Match.Ambiguous {
						atomic.AddInt64(&metrics.Ambiguous, 1)
					}
					if result.Bundle.Match.Coverage != nil {
						coverage = result.Bundle.Match.Coverage.ID
					}
				}

				if verbose {
					fmt.Printf("✓ age %3.0f %s/%s | year %d | rate %.6f | %-10s | RR %5.2f | %s\n",
						rec.AttainedAge,
						rec.Sex,
						rec.SmokerStatus,
						rec.ObservationYear,
						rec.PredictedRate,
						result.State,
						riskOf(result),
						coverage,
					)
				}
			}
		}()
	}

	// Send work
	for _, rec := range records {
		work <- rec
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func riskOf(resp *ExplainResponse) float64 {
	if resp.Bundle == nil {
		return 0
	}
	return resp.Bundle.RelativeRisk
}

func explainRecord(client *http.Client, baseURL, portfolioID string, rec PolicyRecord) (*ExplainResponse, int, error) {
	// Build request matching Heron's expected format; bare scalars are
	// accepted for record values.
	record := map[string]any{
		"Attained_Age": rec.AttainedAge,
	}
	if rec.IssueAge > 0 {
		record["Issue_Age"] = rec.IssueAge
	}
	if rec.Duration > 0 {
		record["Duration"] = rec.Duration
	}
	for name, val := range map[string]string{
		"Sex":              rec.Sex,
		"Smoker_Status":    rec.SmokerStatus,
		"Insurance_Plan":   rec.InsurancePlan,
		"Face_Amount_Band": rec.FaceAmountBand,
		"Preferred_Class":  rec.PreferredClass,
	} {
		if val != "" {
			record[name] = val
		}
	}

	req := ExplainRequest{
		Record:          record,
		ObservationYear: rec.ObservationYear,
		Prediction:      Prediction{Rate: rec.PredictedRate},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/explain", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Portfolio-ID", portfolioID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ExplainResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, err
	}

	return &result, resp.StatusCode, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 PIPELINE OUTCOMES\n")
	fmt.Printf("   Total Processed:   %d\n", m.TotalProcessed)
	fmt.Printf("   Delivered:         %d\n", m.Delivered)
	fmt.Printf("   Rejected:          %d\n", m.Rejected)
	fmt.Printf("   Coverage Gaps:     %d\n", m.CoverageGaps)
	fmt.Printf("   Schema Errors:     %d\n", m.SchemaErrors)
	fmt.Printf("   Unavailable:       %d\n", m.Unavailable)
	fmt.Printf("   Other Errors:      %d\n", m.OtherErrors)

	explained := m.Delivered + m.Rejected
	fmt.Printf("\n🔍 CLASSIFICATION ANALYSIS\n")
	if explained > 0 {
		fmt.Printf("   Spotlight Hits:    %d / %d (%.2f%%)\n", m.SpotlightHits, explained,
			100*float64(m.SpotlightHits)/float64(explained))
		fmt.Printf("   Ambiguous:         %d / %d (%.2f%%)\n", m.Ambiguous, explained,
			100*float64(m.Ambiguous)/float64(explained))
	}
	if m.TotalProcessed > 0 && m.CoverageGaps > 0 {
		gapRate := float64(m.CoverageGaps) / float64(m.TotalProcessed) * 100
		fmt.Printf("   Coverage Gap Rate: %.2f%% ⚠️  (rule set does not exhaust the population)\n", gapRate)
	}

	m.mu.Lock()
	risks := append([]float64(nil), m.risks...)
	m.mu.Unlock()
	if len(risks) > 0 {
		sort.Float64s(risks)
		fmt.Printf("\n📈 RELATIVE RISK DISTRIBUTION\n")
		fmt.Printf("   Min:     %6.2f\n", risks[0])
		fmt.Printf("   Median:  %6.2f\n", risks[len(risks)/2])
		fmt.Printf("   P95:     %6.2f\n", risks[len(risks)*95/100])
		fmt.Printf("   Max:     %6.2f\n", risks[len(risks)-1])
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f records/sec\n", rps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if m.TotalProcessed > 0 {
		gapRate := float64(m.CoverageGaps) / float64(m.TotalProcessed)
		switch {
		case gapRate == 0:
			fmt.Println("   ✅ Coverage rules exhaust the extract")
		case gapRate < 0.01:
			fmt.Println("   ⚠️  Small coverage gap - review the uncovered records")
		default:
			fmt.Println("   ❌ Significant coverage gap - the rule set needs new segments")
		}
	}
	if m.Rejected > 0 {
		fmt.Println("   ⚠️  Some narratives were rejected by the language guard")
	}

	fmt.Println()
}
