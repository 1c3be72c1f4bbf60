// Package errs defines the sentinel errors raised by the dispatch core.
package errs

import "errors"

var (
	// ErrConfig is raised at construction when a mode or policy name is unrecognized.
	ErrConfig = errors.New("config error")

	// ErrExhausted is raised when a policy cannot hand back a worker and the
	// caller refused to block further.
	ErrExhausted = errors.New("runner pool exhausted")

	// ErrPoolRace is raised when PolicyExclusive.makeRoom repeatedly observes
	// its own sub-pool scaled to zero between deciding not to evict and
	// reacquiring a runner, past a retry bound.
	ErrPoolRace = errors.New("sub-pool raced to zero during acquire")

	// ErrStaleReady is raised when pickWorkerBalanced repeatedly sees no
	// worker actually go Idle after a readiness wake-up, past a retry bound.
	ErrStaleReady = errors.New("stale readiness wake-up")

	// ErrStageFailure wraps an error surfaced by a pre/run/post stage function.
	ErrStageFailure = errors.New("pipeline stage failed")
)
