// Package driver implements the three driver modes (§6): NShot (synchronous
// batch), MLPerfBench (latency-harness SUT callback), and Serve (network
// server loop), each wiring model/pipeline/runner/policy pieces the way
// rayBench.nShot/runActor/serveRequests do.
package driver

import (
	"encoding/json"
	"fmt"
	"os"
)

// Record is one results.json entry: the run's configuration alongside the
// merged metrics it produced, matching rayBench.nShot's
// {"config": benchConfig, "metrics": report} record.
type Record struct {
	Config  any                `json:"config"`
	Metrics map[string]float64 `json:"metrics"`
}

// AppendReport appends record to the JSON array at path, creating it if it
// doesn't exist yet (rayBench.nShot's reportPath read-modify-write).
func AppendReport(path string, record Record) error {
	var full []Record

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &full); err != nil {
			return fmt.Errorf("driver: parse existing report %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("driver: read report %s: %w", path, err)
	}

	full = append(full, record)

	data, err := json.Marshal(full)
	if err != nil {
		return fmt.Errorf("driver: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("driver: write report %s: %w", path, err)
	}
	return nil
}
