package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaasbench/dispatch/internal/worker"
)

// 3 workers, 9 requests: getRunner must cycle 0,1,2,0,1,2,... in order,
// with no regard to load (§8 scenario 1).
func TestRR_FairRoundRobin(t *testing.T) {
	var ids []int
	rr := NewRR(3, func(id int) *worker.Worker {
		ids = append(ids, id)
		return worker.New(id, nil)
	})

	var got []int
	for i := 0; i < 9; i++ {
		w, h, err := rr.GetRunner(context.Background(), "tenant")
		require.NoError(t, err)
		require.NotNil(t, w)
		assert.Nil(t, h)
		got = append(got, w.ID)
	}

	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0, 1, 2}, got)
}
