package fl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// RoundMetrics is the per-round entry of the results artifact.
type RoundMetrics struct {
	Accuracy     float64   `json:"accuracy"`
	Loss         float64   `json:"loss"`
	Evaluated    bool      `json:"evaluated"`
	Participants int       `json:"participants"`
	TimedOut     int       `json:"timed_out"`
	Timestamp    time.Time `json:"timestamp"`
}

// Results holds per-round metrics for each aggregation method, keyed by
// method and then by round index.
type Results struct {
	Runs map[Method]map[string]RoundMetrics `json:"runs"`
}

// Rounds returns the round indexes recorded for method in ascending order.
func (r Results) Rounds(method Method) []uint64 {
	var rounds []uint64
	for k := range r.Runs[method] {
		n, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		rounds = append(rounds, n)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })

	return rounds
}

// ResultsWriter maintains the results artifact on disk. Several runs with
// different methods may share one file; each run only replaces its own
// method's section.
type ResultsWriter struct {
	path   string
	method Method

	mu     sync.Mutex
	rounds map[string]RoundMetrics
}

func NewResultsWriter(path string, method Method) (*ResultsWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	return &ResultsWriter{
		path:   path,
		method: method,
		rounds: make(map[string]RoundMetrics),
	}, nil
}

func (w *ResultsWriter) Record(rec RoundRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rounds[strconv.FormatUint(rec.Round, 10)] = RoundMetrics{
		Accuracy:     rec.Accuracy,
		Loss:         rec.Loss,
		Evaluated:    rec.Evaluated,
		Participants: len(rec.Participants),
		TimedOut:     len(rec.TimedOut),
		Timestamp:    rec.CompletedAt,
	}

	results, err := LoadResults(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if results.Runs == nil {
		results.Runs = make(map[Method]map[string]RoundMetrics)
	}
	section := make(map[string]RoundMetrics, len(w.rounds))
	for k, v := range w.rounds {
		section[k] = v
	}
	results.Runs[w.method] = section

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	return os.Rename(tmp, w.path)
}

func LoadResults(path string) (Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Results{}, fmt.Errorf("failed to read results file: %w", err)
	}

	var results Results
	if err := json.Unmarshal(data, &results); err != nil {
		return Results{}, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	return results, nil
}
