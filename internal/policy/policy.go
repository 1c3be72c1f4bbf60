package policy

import (
	"context"

	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// Policy is the scheduling policy interface (§2): getRunner/update plus
// getStats, shared by PolicyRR, PolicyBalance, and PolicyExclusive.
type Policy interface {
	// GetRunner returns a worker and its opaque handle. A nil worker with a
	// nil error means no runner is available (e.g. the policy has no
	// workers) — non-fatal; the caller decides whether that is ErrExhausted.
	// If ctx ends first, the worker is nil, nothing is reserved, and the
	// error is ctx's error.
	GetRunner(ctx context.Context, tenantID string) (*worker.Worker, Handle, error)

	// Update records the handle's first output ref and marks it Busy.
	Update(tenantID string, h Handle, outFutures []store.Ref)

	// GetStats drains and merges every worker's (and, for PolicyBalance,
	// every scaled-down worker's pending) stats.
	GetStats(ctx context.Context) (map[string]map[string]float64, error)
}
