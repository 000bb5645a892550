// Benchmark replays labeled survey submissions against Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -data /path/to/labeled.jsonl -url http://localhost:8080
//
// Each line of the dataset is {"fraud": true|false, "submission": {...}}.
// The tool:
//  1. Sends each submission to POST /evaluate
//  2. Counts a verdict at or above -cutoff as a fraud prediction
//  3. Prints the confusion matrix, precision, recall and F1 plus the severity mix
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabeledSubmission is one dataset row.
type LabeledSubmission struct {
	Fraud      bool              `json:"fraud"`
	Submission domain.Submission `json:"submission"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // fraud flagged at or above the cutoff
	FalsePositives int64 // clean work flagged
	TrueNegatives  int64 // clean work passed
	FalseNegatives int64 // fraud missed

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64

	mu         sync.Mutex
	bySeverity map[domain.Severity]int64
}

// Record tallies one verdict against its label.
func (m *Metrics) Record(actual bool, sev domain.Severity, cutoff domain.Severity) {
	predicted := sev.AtLeast(cutoff)
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}

	m.mu.Lock()
	if m.bySeverity == nil {
		m.bySeverity = make(map[domain.Severity]int64)
	}
	m.bySeverity[sev]++
	m.mu.Unlock()
}

// Scores returns precision, recall and F1 of the fraud class.
func (m *Metrics) Scores() (precision, recall, f1 float64) {
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

func main() {
	dataPath := flag.String("data", "", "Path to labeled JSONL dataset")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum submissions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	cutoffFlag := flag.String("cutoff", string(domain.SeverityHigh), "Lowest severity counted as a fraud prediction")
	verbose := flag.Bool("verbose", false, "Print each submission result")
	flag.Parse()

	if *dataPath == "" {
		fmt.Println("Usage: benchmark -data /path/to/labeled.jsonl [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	cutoff := domain.Severity(*cutoffFlag)
	if !cutoff.Valid() {
		fmt.Printf("ERROR: unknown severity %q\n", *cutoffFlag)
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - labeled survey submissions")
	fmt.Printf("\nDataset:     %s\n", *dataPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Cutoff:      %s\n", cutoff)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*dataPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, skipped, err := readDataset(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read dataset: %v\n", err)
		os.Exit(1)
	}

	fraudCount := 0
	for _, r := range rows {
		if r.Fraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d submissions (%d malformed lines skipped)\n", len(rows), skipped)
	if len(rows) > 0 {
		fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(rows)))
		fmt.Printf("  - Clean:     %d (%.2f%%)\n", len(rows)-fraudCount, 100*float64(len(rows)-fraudCount)/float64(len(rows)))
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(rows, *baseURL, *workers, cutoff, *verbose)
	printResults(metrics, cutoff, time.Since(startTime))
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

// readDataset parses JSONL rows, skipping lines that do not decode or
// lack a submission id.
func readDataset(r io.Reader, limit int) ([]LabeledSubmission, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var rows []LabeledSubmission
	skipped := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row LabeledSubmission
		if err := json.Unmarshal(line, &row); err != nil || row.Submission.ID == "" {
			skipped++
			continue
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, skipped, scanner.Err()
}

// evaluateResponse is the subset of the /evaluate response the benchmark reads.
type evaluateResponse struct {
	AssessmentID   string          `json:"assessmentId"`
	Severity       domain.Severity `json:"severity"`
	CompositeScore float64         `json:"compositeScore"`
	Reasons        []string        `json:"reasons"`
}

func runBenchmark(rows []LabeledSubmission, baseURL string, numWorkers int, cutoff domain.Severity, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabeledSubmission, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := evaluate(client, baseURL, &row.Submission)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.Submission.ID, err)
					}
					continue
				}

				metrics.Record(row.Fraud, result.Severity, cutoff)

				if verbose {
					mark := "ok "
					if result.Severity.AtLeast(cutoff) != row.Fraud {
						mark = "ERR"
					}
					fmt.Printf("%s %-24s | fraud: %-5v | %-8s (%.1f) %v\n",
						mark, row.Submission.ID, row.Fraud, result.Severity, result.CompositeScore, result.Reasons)
				}
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return metrics
}

func evaluate(client *http.Client, baseURL string, sub *domain.Submission) (*evaluateResponse, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, cutoff domain.Severity, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX (flagged = severity >= %s)\n", cutoff)
	fmt.Println("                      Predicted")
	fmt.Println("                 flagged     passed")
	fmt.Printf("   Actual fraud  %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          clean  %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision, recall, f1 := m.Scores()
	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nSEVERITY MIX\n")
	for _, sev := range []domain.Severity{
		domain.SeverityClean, domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical,
	} {
		fmt.Printf("   %-9s %d\n", sev, m.bySeverity[sev])
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f submissions/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
