package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// 2 workers, 3 requests of cost 100/100/1: the third request must wait for
// whichever of the first two finishes first, and must never cause a third
// worker to be spawned (§8 scenario 2).
func TestBalance_WaitsForFirstFinisher(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemStore()

	var built []int
	bal := NewBalance(2, ms, func(id int) *worker.Worker {
		built = append(built, id)
		return worker.New(id, nil)
	})

	w1, h1, err := bal.GetRunner(ctx, "tenant")
	require.NoError(t, err)
	w2, h2, err := bal.GetRunner(ctx, "tenant")
	require.NoError(t, err)
	require.NotNil(t, w1)
	require.NotNil(t, w2)
	assert.NotEqual(t, w1.ID, w2.ID)

	ref1 := ms.PutPending()
	ref2 := ms.PutPending()
	bal.Update("tenant", h1, []store.Ref{ref1})
	bal.Update("tenant", h2, []store.Ref{ref2})

	type result struct {
		w   *worker.Worker
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		w3, _, err := bal.GetRunner(ctx, "tenant")
		resultCh <- result{w3, err}
	}()

	// Give the third request time to actually block in the object store's
	// Wait on both in-flight refs before either long-running request completes.
	time.Sleep(20 * time.Millisecond)

	// w1's request (cost 100) finishes first; w2's twin request (also cost
	// 100) is completed afterwards, once the third request (cost 1) would
	// already have been assigned to w1.
	ms.Complete(ref1, "done1")

	res := <-resultCh
	require.NoError(t, res.err)
	require.NotNil(t, res.w)
	assert.Equal(t, w1.ID, res.w.ID)

	ms.Complete(ref2, "done2")

	assert.Len(t, bal.Workers(), 2)
	assert.Equal(t, []int{0, 1}, built)
}
