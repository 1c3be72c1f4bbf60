package driver

import (
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/telemetry"
)

// RunnerModeName and RunnerPolicyName are the string forms accepted from
// CLI flags (§6 "Configuration options").
type RunnerModeName string

const (
	ModeTask  RunnerModeName = "task"
	ModeActor RunnerModeName = "actor"
	ModeKaas  RunnerModeName = "kaas"
)

// ParseMode maps a CLI-supplied runner_mode string to runner.Mode.
func ParseMode(s RunnerModeName) (runner.Mode, bool) {
	switch s {
	case ModeTask:
		return runner.Task, true
	case ModeActor:
		return runner.Actor, true
	case ModeKaas:
		return runner.Kaas, true
	default:
		return 0, false
	}
}

type RunnerPolicyName string

const (
	PolicyRR        RunnerPolicyName = "rr"
	PolicyBalance   RunnerPolicyName = "balance"
	PolicyExclusive RunnerPolicyName = "exclusive"
)

// Config bundles the configuration options named in §6, shared across all
// three driver modes.
type Config struct {
	RunnerMode   RunnerModeName
	RunnerPolicy RunnerPolicyName
	Inline       bool
	Cache        bool
	NumClient    int

	// NWorkers sizes the runner pool (rayBench's util.getNGpu()).
	NWorkers int

	ReportPath string

	// Tel is nil-safe; when set, every request's pipeline.Options is wired
	// with its tracer and stage-latency instrument.
	Tel *telemetry.Telemetry
}

// DefaultConfig returns a single-worker, round-robin, non-inline, uncached
// configuration.
func DefaultConfig() Config {
	return Config{
		RunnerMode:   ModeActor,
		RunnerPolicy: PolicyRR,
		NWorkers:     1,
		NumClient:    1,
		ReportPath:   "results.json",
	}
}
