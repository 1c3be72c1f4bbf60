// Package runner implements the runner pool (§4.6): a singleton dispatcher
// with mode {task, actor, kaas} that chooses task-spawn or policy-routed
// actor dispatch and publishes outputs as object-store references.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/kaasbench/dispatch/internal/errs"
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/policy"
	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/telemetry"
	"github.com/kaasbench/dispatch/internal/worker"
)

// putAllConcurrent stores each output under its own goroutine, collected by
// an errgroup, so publishing N outputs costs one round-trip instead of N
// sequential ones on a store backend where Put has real latency (Redis).
// Order is preserved since each goroutine writes to its own slice index.
func putAllConcurrent(ctx context.Context, s store.Store, outputs []any) ([]store.Ref, error) {
	refs := make([]store.Ref, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, o := range outputs {
		i, o := i, o
		g.Go(func() error {
			ref, err := s.Put(gctx, o)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// Mode selects how Run dispatches work (§4.6).
type Mode int

const (
	// Task runs every request on the single task worker given to New; no
	// policy is used. No worker is created per request.
	Task Mode = iota
	// Actor runs native models on pooled workers.
	Actor
	// Kaas runs accelerator-only requests on pooled workers.
	Kaas
)

// NativeArgs is the argument bundle for an Actor/Task-mode dispatch.
type NativeArgs struct {
	Spec        *model.Spec
	Arg         any
	Inputs      []any
	CacheModel  bool
}

// KaasArgs is the argument bundle for a Kaas-mode dispatch.
type KaasArgs struct {
	Req any
}

// Pool is the runner pool singleton (§4.6).
type Pool struct {
	mode     Mode
	policy   policy.Policy
	objStore store.Store

	// taskWorker backs Task mode: one long-lived actor reused across all
	// Task-mode dispatches. Like any Worker it caches the model per tenant,
	// so every dispatch after a tenant's first reuses that instance.
	// CacheModel is rejected in Task mode (see Run).
	taskWorker *worker.Worker

	tel *telemetry.Telemetry
}

// SetTelemetry wires an in-flight gauge and exhausted-pool counter into Run.
// Nil-safe: a Pool with no telemetry set records nothing.
func (p *Pool) SetTelemetry(tel *telemetry.Telemetry) { p.tel = tel }

// New constructs a runner pool. New does not see cacheModel: a Task-mode
// dispatch with CacheModel set is rejected by Run with errs.ErrConfig, and
// the CLI rejects that flag combination before building the pool.
func New(mode Mode, pol policy.Policy, objStore store.Store, taskWorker *worker.Worker) (*Pool, error) {
	if mode == Task && taskWorker == nil {
		return nil, fmt.Errorf("%w: task mode requires a worker", errs.ErrConfig)
	}
	if mode != Task && pol == nil {
		return nil, fmt.Errorf("%w: actor/kaas mode requires a policy", errs.ErrConfig)
	}
	return &Pool{mode: mode, policy: pol, objStore: objStore, taskWorker: taskWorker}, nil
}

// Run dispatches a request and returns nReturn object-store references,
// already guaranteed ready (§4.6 step 6), so a chained stage can
// immediately store.Get without blocking on worker progress.
func (p *Pool) Run(ctx context.Context, nReturn int, tenantID string, inputRefs []store.Ref, native *NativeArgs, kaas *KaasArgs) ([]store.Ref, error) {
	var outputs []any
	var err error

	if p.mode == Task {
		if native == nil {
			return nil, fmt.Errorf("%w: task mode requires NativeArgs", errs.ErrConfig)
		}
		if native.CacheModel {
			return nil, fmt.Errorf("%w: cacheModel is incompatible with task mode", errs.ErrConfig)
		}
		// Task mode skips the readiness wait (§4.6 step 1): no worker is
		// reserved through a policy, so none sits reserved during data
		// transfer.
		outputs, err = p.taskWorker.RunNative(ctx, native.Spec, native.Arg, tenantID, native.Inputs)
	} else {
		// Wait for all inputs to be ready before acquiring a worker so a
		// reserved worker never blocks on data transfer (§4.6 step 2).
		if len(inputRefs) > 0 {
			if _, _, werr := p.objStore.Wait(ctx, inputRefs, len(inputRefs)); werr != nil {
				return nil, werr
			}
		}

		w, h, gerr := p.policy.GetRunner(ctx, tenantID)
		if gerr != nil {
			if errors.Is(gerr, errs.ErrPoolRace) || errors.Is(gerr, errs.ErrStaleReady) {
				log.Printf("[runner] GetRunner for tenant %s gave up on a scheduling race: %v", tenantID, gerr)
			}
			return nil, gerr
		}
		if w == nil {
			if p.tel != nil {
				p.tel.ExhaustedCount.Add(ctx, 1)
			}
			return nil, errs.ErrExhausted
		}

		if p.tel != nil {
			p.tel.InFlightGauge.Add(ctx, 1)
			defer p.tel.InFlightGauge.Add(ctx, -1)
		}

		switch p.mode {
		case Actor:
			if native == nil {
				return nil, fmt.Errorf("%w: actor mode requires NativeArgs", errs.ErrConfig)
			}
			outputs, err = w.RunNative(ctx, native.Spec, native.Arg, tenantID, native.Inputs)
		case Kaas:
			if kaas == nil {
				return nil, fmt.Errorf("%w: kaas mode requires KaasArgs", errs.ErrConfig)
			}
			outputs, err = w.RunKaas(ctx, tenantID, kaas.Req)
		default:
			return nil, fmt.Errorf("%w: unrecognized mode", errs.ErrConfig)
		}

		// The worker call above is synchronous, so Update runs only after
		// the run has finished and its outputs are stored: for the whole
		// run the worker stays Reserved, and other callers never see it
		// Busy. Done below regardless of err so scheduling bookkeeping
		// never wedges on a failed run.
		var refs []store.Ref
		if err == nil {
			refs, err = putAllConcurrent(ctx, p.objStore, outputs)
			if err != nil {
				return nil, err
			}
		}
		p.policy.Update(tenantID, h, refs)

		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrStageFailure, err)
		}
		return refs, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStageFailure, err)
	}

	return putAllConcurrent(ctx, p.objStore, outputs)
}

// GetStats forwards to the policy (no-op / empty for Task mode, which has
// no policy to drain).
func (p *Pool) GetStats(ctx context.Context) (map[string]map[string]float64, error) {
	if p.policy == nil {
		return map[string]map[string]float64{}, nil
	}
	return p.policy.GetStats(ctx)
}
