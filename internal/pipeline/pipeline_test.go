package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaasbench/dispatch/internal/completion"
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/policy"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// kaasFakeModel is a minimal model.Capability + model.KaasCapability used
// to exercise runStaged's kaas branch without any real accelerator.
type kaasFakeModel struct {
	postCalled bool
}

func (m *kaasFakeModel) Pre(_ context.Context, args []any) ([]any, error) { return args, nil }

func (m *kaasFakeModel) Run(_ context.Context, args []any, _ model.Stats) ([]any, error) {
	return args, nil
}

func (m *kaasFakeModel) Post(_ context.Context, args []any) ([]any, error) {
	m.postCalled = true
	return args, nil
}

func (m *kaasFakeModel) BuildKaasRequest(_ context.Context, runInputs []any) (any, error) {
	return runInputs, nil
}

type kaasFakeServer struct{}

func (kaasFakeServer) Serve(_ context.Context, req any, _ model.Stats) ([]any, error) {
	return []any{req}, nil
}

// §8 scenario 5: a kaas model with noPost=true, one request, a completionQ
// provided — exactly one message is pushed and post is never invoked.
func TestRunOne_KaasNoPostShortCircuit(t *testing.T) {
	ctx := context.Background()
	objStore := store.NewMemStore()

	fake := &kaasFakeModel{}
	spec := &model.Spec{
		Type:    model.KaaS,
		New:     func(any) (model.Capability, error) { return fake, nil },
		PreMap:  model.InputMap{UseInputs: true},
		RunMap:  model.InputMap{UsePre: true},
		PostMap: model.InputMap{UseRun: true},
		NOutRun: 1,
		NoPost:  true,
	}

	pol := policy.NewRR(1, func(id int) *worker.Worker {
		return worker.New(id, kaasFakeServer{})
	})
	pool, err := runner.New(runner.Kaas, pol, objStore, nil)
	require.NoError(t, err)

	disp := New(objStore)

	inputRef, err := objStore.Put(ctx, "payload")
	require.NoError(t, err)

	q := completion.NewQueue(2)
	opts := Options{Pool: pool, CompletionQ: q, QueryID: "q1"}

	outRefs, err := disp.RunOne(ctx, spec, store.Ref{}, nil, nil, []store.Ref{inputRef}, opts)
	require.NoError(t, err)
	assert.Nil(t, outRefs)
	assert.False(t, fake.postCalled)

	q.PushSentinel(1)
	var acked int
	completion.Drain(ctx, q, func(result []any, queryID string) {
		acked++
		assert.Equal(t, "q1", queryID)
		require.Len(t, result, 1)
	})
	assert.Equal(t, 1, acked)
}
