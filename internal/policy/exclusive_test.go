package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

func newExclusiveForTest(maxRunners int) *Exclusive {
	ms := store.NewMemStore()
	return NewExclusive(maxRunners, ms, func(tenantID string, id int) *worker.Worker {
		return worker.New(id, nil)
	})
}

// maxRunners=4, tenants A and B each warm up to 2 workers (consuming the
// whole budget), then C arrives: it must evict one worker from whichever
// of A/B is largest, never exceed the 4-worker budget, and never block
// (§8 scenario 3).
//
// Update is called with no output ref (nil), mirroring a request that is
// still genuinely in flight: the tenant's second GetRunner call must find
// its one existing worker still Busy (not just recently freed), which is
// what actually drives the exclusive policy to grow the tenant's pool
// instead of reusing the same worker.
func TestExclusive_WarmEvictionKeepsBudget(t *testing.T) {
	ctx := context.Background()
	ex := newExclusiveForTest(4)

	for _, tenant := range []string{"A", "A", "B", "B"} {
		w, h, err := ex.GetRunner(ctx, tenant)
		require.NoError(t, err)
		require.NotNil(t, w)
		ex.Update(tenant, h, nil)
	}
	require.Len(t, ex.poolFor("A").Workers(), 2)
	require.Len(t, ex.poolFor("B").Workers(), 2)

	wc, hc, err := ex.GetRunner(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, wc)
	ex.Update("C", hc, nil)

	total := len(ex.poolFor("A").Workers()) + len(ex.poolFor("B").Workers()) + len(ex.poolFor("C").Workers())
	assert.Equal(t, 4, total)
	assert.Len(t, ex.poolFor("C").Workers(), 1)
}

// maxRunners=2, A and B each hold 1 worker (the full budget); C's arrival
// must evict whichever of A/B is chosen uniformly at random, landing within
// +/-5% of a 50/50 split over many trials (§8 scenario 4).
func TestExclusive_FairEvictionOverManyTrials(t *testing.T) {
	const trials = 1000
	var evictedA, evictedB int

	for i := 0; i < trials; i++ {
		ctx := context.Background()
		ex := newExclusiveForTest(2)

		_, hA, err := ex.GetRunner(ctx, "A")
		require.NoError(t, err)
		ex.Update("A", hA, nil)

		_, hB, err := ex.GetRunner(ctx, "B")
		require.NoError(t, err)
		ex.Update("B", hB, nil)

		wc, hC, err := ex.GetRunner(ctx, "C")
		require.NoError(t, err)
		require.NotNil(t, wc)
		ex.Update("C", hC, nil)

		switch len(ex.poolFor("A").Workers()) {
		case 0:
			evictedA++
		default:
			evictedB++
		}
	}

	require.Equal(t, trials, evictedA+evictedB)
	assert.InDelta(t, trials/2, evictedA, float64(trials)*0.05)
	assert.InDelta(t, trials/2, evictedB, float64(trials)*0.05)
}
