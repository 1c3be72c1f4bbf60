package driver

import (
	"context"
	"fmt"

	"github.com/kaasbench/dispatch/internal/completion"
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/pipeline"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/store"
)

// Query is one MLPerf LoadGen-issued query: an opaque ID the SUT callback
// must echo back on completion, and the dataset index to run.
type Query struct {
	ID    string
	Index int
}

// SUTCallback is the system-under-test entry point an external MLPerf
// harness invokes with a batch of queries (§6 "mlperfBench").
type SUTCallback func(ctx context.Context, queries []Query) error

// MLPerfBench builds a SUT callback that issues each query via the staged
// dispatch with a push-delivery completion queue, letting the external
// harness (not this package) govern arrival timing and acknowledgement.
func MLPerfBench(disp *pipeline.Dispatcher, spec *model.Spec, specRef store.Ref, arg any, constRefs []store.Ref, pool *runner.Pool, loader Loader, cfg Config, completionQ *completion.Queue) SUTCallback {
	return func(ctx context.Context, queries []Query) error {
		nData := loader.NData()
		for _, q := range queries {
			idx := q.Index % nData
			inp := loader.Get(idx)

			inputRefs := make([]store.Ref, 0, len(inp))
			for _, v := range inp {
				r, err := disp.Store.Put(ctx, v)
				if err != nil {
					return fmt.Errorf("driver: mlperf query %s: %w", q.ID, err)
				}
				inputRefs = append(inputRefs, r)
			}

			opts := pipeline.Options{
				Inline:      cfg.Inline,
				CacheModel:  cfg.Cache,
				CompletionQ: completionQ,
				QueryID:     q.ID,
			}
			if !cfg.Inline {
				opts.Pool = pool
			}
			if cfg.Tel != nil {
				opts.Tracer = cfg.Tel.Tracer()
				opts.Telemetry = cfg.Tel
			}

			_, err := disp.RunOne(ctx, spec, specRef, arg, constRefs, inputRefs, opts)
			if err != nil {
				return fmt.Errorf("driver: mlperf query %s: %w", q.ID, err)
			}
		}
		return nil
	}
}
