package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kaasbench/dispatch/internal/completion"
	"github.com/kaasbench/dispatch/internal/errs"
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/telemetry"
)

// Options bundles runOne's optional behavior (§4.7).
type Options struct {
	// Inline runs pre/run/post fused in one task; requires non-KaaS and a
	// nil Pool.
	Inline bool

	CompletionQ *completion.Queue
	QueryID     string

	CacheModel bool
	TenantID   string

	// Pool is nil only for the Inline fast path.
	Pool *runner.Pool

	Tracer trace.Tracer

	// Telemetry records each stage's latency, when non-nil. Distinct from
	// Tracer since a caller may want spans without metrics or vice versa.
	Telemetry *telemetry.Telemetry
}

// recordStage times fn under name "stage" and records it into opts'
// StageLatency histogram, when telemetry is configured.
func recordStage(ctx context.Context, tel *telemetry.Telemetry, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	if tel != nil {
		tel.StageLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("dispatch.stage", stage)))
	}
	return err
}

// Dispatcher runs the pre → run → post pipeline (or the fused inline path)
// over a model spec, matching rayBench._runOne.
type Dispatcher struct {
	Store store.Store
}

// New returns a pipeline dispatcher bound to an object store.
func New(s store.Store) *Dispatcher {
	return &Dispatcher{Store: s}
}

// resolve fans the store fetches for a stage's input refs out across one
// goroutine per ref, collected by an errgroup, since a stage's refs are
// independent and on store.RedisStore each Get is its own round trip.
func (d *Dispatcher) resolve(ctx context.Context, refs []store.Ref) ([]any, error) {
	out := make([]any, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range refs {
		i, r := i, r
		g.Go(func() error {
			v, err := d.Store.Get(gctx, r)
			if err != nil {
				return fmt.Errorf("%w: get %s: %v", errs.ErrStageFailure, r, err)
			}
			flat, err := store.Flatten(gctx, d.Store, v)
			if err != nil {
				return err
			}
			out[i] = flat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) putAll(ctx context.Context, values []any) ([]store.Ref, error) {
	out := make([]store.Ref, len(values))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range values {
		i, v := i, v
		g.Go(func() error {
			r, err := d.Store.Put(gctx, v)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func span(ctx context.Context, tracer trace.Tracer, name string, queryID string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noopSpan{}
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("dispatch.query_id", queryID)))
}

// noopSpan satisfies the subset of trace.Span this file needs when no
// tracer was supplied (keeps call sites unconditional).
type noopSpan struct{ trace.Span }

func (noopSpan) End(...trace.SpanEndOption) {}

// RunOne dispatches one query (§4.7). specRef/arg identify the tenant's
// model; constRefs/inputRefs are the query's constant and per-request
// inputs. Returns the final output references (post's outputs, or run's
// outputs when NoPost).
func (d *Dispatcher) RunOne(ctx context.Context, spec *model.Spec, specRef store.Ref, arg any, constRefs, inputRefs []store.Ref, opts Options) ([]store.Ref, error) {
	if opts.Inline {
		return d.runInline(ctx, spec, arg, constRefs, inputRefs, opts)
	}
	return d.runStaged(ctx, spec, specRef, arg, constRefs, inputRefs, opts)
}

// runInline fuses pre/run/post into one sequential call, matching
// rayBench.runInline. Requires non-KaaS and a nil runner pool (§4.7).
func (d *Dispatcher) runInline(ctx context.Context, spec *model.Spec, arg any, constRefs, inputRefs []store.Ref, opts Options) ([]store.Ref, error) {
	if spec.Type == model.KaaS {
		return nil, fmt.Errorf("%w: kaas is not compatible with inline", errs.ErrConfig)
	}
	if opts.Pool != nil {
		return nil, fmt.Errorf("%w: cannot use a runner pool in inline mode", errs.ErrConfig)
	}

	ctx, sp := span(ctx, opts.Tracer, "pipeline.inline", opts.QueryID)
	defer sp.End()

	m, err := spec.New(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate model: %v", errs.ErrStageFailure, err)
	}

	constVals, err := d.resolve(ctx, constRefs)
	if err != nil {
		return nil, err
	}
	inputVals, err := d.resolve(ctx, inputRefs)
	if err != nil {
		return nil, err
	}

	preInp := packValues(spec.PreMap, constVals, inputVals, nil, nil)
	var preOut []any
	err = recordStage(ctx, opts.Telemetry, "pre", func() error {
		var perr error
		preOut, perr = m.Pre(ctx, preInp)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pre: %v", errs.ErrStageFailure, err)
	}

	runInp := packValues(spec.RunMap, constVals, inputVals, preOut, nil)
	stats := model.NewBasicStats()
	var runOut []any
	err = recordStage(ctx, opts.Telemetry, "run", func() error {
		var rerr error
		runOut, rerr = m.Run(ctx, runInp, stats)
		return rerr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: run: %v", errs.ErrStageFailure, err)
	}

	var postOut []any
	if spec.NoPost {
		postOut = runOut
	} else {
		postInp := packValues(spec.PostMap, constVals, inputVals, preOut, runOut)
		err = recordStage(ctx, opts.Telemetry, "post", func() error {
			var perr error
			postOut, perr = m.Post(ctx, postInp)
			return perr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: post: %v", errs.ErrStageFailure, err)
		}
	}

	if opts.CompletionQ != nil {
		opts.CompletionQ.Push(postOut, opts.QueryID)
		return nil, nil
	}
	return d.putAll(ctx, postOut)
}

// packValues is packInputs's value-space counterpart, used by the inline
// path where stages are called directly rather than through the store.
func packValues(m model.InputMap, constVals, inp, pre, run []any) []any {
	out := make([]any, 0, len(constVals)+len(inp)+len(pre)+len(run))
	out = append(out, constVals...)
	if m.UseInputs {
		out = append(out, inp...)
	}
	if m.UsePre {
		out = append(out, pre...)
	}
	if m.UseRun {
		out = append(out, run...)
	}
	return out
}

// runStaged builds the three-stage DAG: pre → run (through the runner
// pool) → post, matching rayBench._runOne's non-inline branch.
func (d *Dispatcher) runStaged(ctx context.Context, spec *model.Spec, specRef store.Ref, arg any, constRefs, inputRefs []store.Ref, opts Options) ([]store.Ref, error) {
	ctx, sp := span(ctx, opts.Tracer, "pipeline.staged", opts.QueryID)
	defer sp.End()

	m, err := spec.New(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate model: %v", errs.ErrStageFailure, err)
	}

	// Pre.
	preRefInp := packInputs(spec.PreMap, constRefs, inputRefs, nil, nil)
	preVals, err := d.resolve(ctx, preRefInp)
	if err != nil {
		return nil, err
	}
	var preOutVals []any
	err = recordStage(ctx, opts.Telemetry, "pre", func() error {
		var perr error
		preOutVals, perr = m.Pre(ctx, preVals)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pre: %v", errs.ErrStageFailure, err)
	}
	preOut, err := d.putAll(ctx, preOutVals)
	if err != nil {
		return nil, err
	}

	// Run, dispatched through the runner pool.
	runRefInp := packInputs(spec.RunMap, constRefs, inputRefs, preOut, nil)
	var runOut []store.Ref
	if spec.Type == model.KaaS {
		kc, ok := m.(model.KaasCapability)
		if !ok {
			return nil, fmt.Errorf("%w: model does not implement KaasCapability", errs.ErrConfig)
		}
		runVals, err := d.resolve(ctx, runRefInp)
		if err != nil {
			return nil, err
		}
		req, err := kc.BuildKaasRequest(ctx, runVals)
		if err != nil {
			return nil, fmt.Errorf("%w: build kaas request: %v", errs.ErrStageFailure, err)
		}
		err = recordStage(ctx, opts.Telemetry, "run", func() error {
			var rerr error
			runOut, rerr = opts.Pool.Run(ctx, spec.NOutRun, opts.TenantID, runRefInp, nil, &runner.KaasArgs{Req: req})
			return rerr
		})
		if err != nil {
			return nil, err
		}
	} else {
		runInputVals, err := d.resolve(ctx, runRefInp)
		if err != nil {
			return nil, err
		}
		err = recordStage(ctx, opts.Telemetry, "run", func() error {
			var rerr error
			runOut, rerr = opts.Pool.Run(ctx, spec.NOutRun, opts.TenantID, runRefInp, &runner.NativeArgs{
				Spec: spec, Arg: arg, Inputs: runInputVals, CacheModel: opts.CacheModel,
			}, nil)
			return rerr
		})
		if err != nil {
			return nil, err
		}
	}

	if spec.NoPost {
		if opts.CompletionQ != nil {
			result, err := d.resolve(ctx, runOut)
			if err != nil {
				return nil, err
			}
			opts.CompletionQ.Push(result, opts.QueryID)
			return nil, nil
		}
		return runOut, nil
	}

	postRefInp := packInputs(spec.PostMap, constRefs, inputRefs, preOut, runOut)
	postVals, err := d.resolve(ctx, postRefInp)
	if err != nil {
		return nil, err
	}
	var postOutVals []any
	err = recordStage(ctx, opts.Telemetry, "post", func() error {
		var perr error
		postOutVals, perr = m.Post(ctx, postVals)
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: post: %v", errs.ErrStageFailure, err)
	}

	if opts.CompletionQ != nil {
		opts.CompletionQ.Push(postOutVals, opts.QueryID)
		return nil, nil
	}
	return d.putAll(ctx, postOutVals)
}
