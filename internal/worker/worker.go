// Package worker implements the worker actor (§4.1): a long-lived,
// single-threaded execution unit pinned to one GPU. It owns a per-tenant
// model cache and per-tenant statistics collector.
//
// The teacher (HackStrix.../worker.go) serializes a worker by pinning it to
// one OS process (steel-browser). GPU inference workers in this domain are
// in-process Go values, not subprocesses, so serialization here is
// implemented as one goroutine draining a command channel — every public
// method enqueues a closure and waits for its result, guaranteeing that two
// calls on the same Worker never execute concurrently.
package worker

import (
	"context"
	"fmt"

	"github.com/kaasbench/dispatch/internal/errs"
	"github.com/kaasbench/dispatch/internal/model"
)

// KaasServer is the opaque accelerator execution engine (§1: "out of
// scope... opaque kaasServe(req) → outputs").
type KaasServer interface {
	Serve(ctx context.Context, req any, stats model.Stats) ([]any, error)
}

type command struct {
	fn   func()
	done chan struct{}
}

// Worker is a single-threaded, GPU-pinned execution actor.
type Worker struct {
	ID  int
	kaa KaasServer

	cmds chan command
	done chan struct{}

	modelCache map[string]model.Capability
	stats      map[string]*model.BasicStats
}

// New creates a worker and starts its serialization loop. kaas may be nil
// if the worker will only ever run native models.
func New(id int, kaas KaasServer) *Worker {
	w := &Worker{
		ID:         id,
		kaa:        kaas,
		cmds:       make(chan command),
		done:       make(chan struct{}),
		modelCache: make(map[string]model.Capability),
		stats:      make(map[string]*model.BasicStats),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case c := <-w.cmds:
			c.fn()
			close(c.done)
		case <-w.done:
			return
		}
	}
}

// exec serializes fn through the worker's single goroutine and blocks until
// it has run, respecting ctx cancellation while waiting to be scheduled.
func (w *Worker) exec(ctx context.Context, fn func()) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case w.cmds <- c:
	case <-w.done:
		return fmt.Errorf("worker %d: terminated", w.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) statsFor(tenantID string) *model.BasicStats {
	s, ok := w.stats[tenantID]
	if !ok {
		s = model.NewBasicStats()
		w.stats[tenantID] = s
	}
	return s
}

// unmarshalArgs splits a flattened argument list back into (constants,
// data) using the stage's declared constant count, mirroring
// rayBench._unMarshalArgs.
func unmarshalArgs(nConst int, args []any) (constants, data []any) {
	if nConst <= 0 || nConst > len(args) {
		return nil, args
	}
	return args[:nConst], args[nConst:]
}

// RunNative instantiates (if needed, and caches) the tenant's model and
// invokes model.run(constants++data, stats). Returns the model's outputs
// as a slice, unchanged; a single output is a one-element slice.
func (w *Worker) RunNative(ctx context.Context, spec *model.Spec, arg any, tenantID string, inputs []any) ([]any, error) {
	var out []any
	var rerr error

	err := w.exec(ctx, func() {
		m, ok := w.modelCache[tenantID]
		if !ok {
			inst, err := spec.New(arg)
			if err != nil {
				rerr = fmt.Errorf("%w: instantiate model: %v", errs.ErrStageFailure, err)
				return
			}
			w.modelCache[tenantID] = inst
			m = inst
		}

		constants, data := unmarshalArgs(spec.NConst, inputs)
		results, err := m.Run(ctx, append(append([]any{}, constants...), data...), w.statsFor(tenantID))
		if err != nil {
			rerr = fmt.Errorf("%w: run: %v", errs.ErrStageFailure, err)
			return
		}
		out = results
	})
	if err != nil {
		return nil, err
	}
	return out, rerr
}

// RunKaas dispatches req to the external accelerator engine.
func (w *Worker) RunKaas(ctx context.Context, tenantID string, req any) ([]any, error) {
	if w.kaa == nil {
		return nil, fmt.Errorf("%w: worker %d has no kaas server", errs.ErrConfig, w.ID)
	}

	var out []any
	var rerr error
	err := w.exec(ctx, func() {
		results, err := w.kaa.Serve(ctx, req, w.statsFor(tenantID))
		if err != nil {
			rerr = fmt.Errorf("%w: kaas: %v", errs.ErrStageFailure, err)
			return
		}
		out = results
	})
	if err != nil {
		return nil, err
	}
	return out, rerr
}

// GetStats atomically reads and resets all tenants' stats.
func (w *Worker) GetStats(ctx context.Context) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64)
	err := w.exec(ctx, func() {
		for tenantID, s := range w.stats {
			out[tenantID] = s.Take()
		}
	})
	return out, err
}

// Terminate exits the worker's loop. Any command already enqueued finishes
// before the loop observes done, per §4.1's "remaining in-flight work must
// be observed by the caller before termination."
func (w *Worker) Terminate() {
	close(w.done)
}
