package driver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/pipeline"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/store"
)

// Loader supplies per-request input values and, optionally, an accuracy
// check, matching rayBench's loader.get/loader.checkAvailable/loader.check.
type Loader interface {
	NData() int
	Get(idx int) []any

	// CheckAvailable reports whether Check is meaningful for this dataset.
	CheckAvailable() bool
	Check(result []any, idx int) (bool, error)
}

// NShotResult is one request's output alongside the dataset index it was
// drawn from, mirroring rayBench._nShotSync's (idx, res) pairs.
type NShotResult struct {
	Index  int
	Output []any
}

// warmupFactorPerWorker is rayBench.nShot's "2 * nGPU" cold-start pass count,
// discarded via a throwaway getStats() before the timed run begins.
const warmupFactorPerWorker = 2

// NShot runs n synchronous requests through the staged pipeline (the inline
// path when cfg.Inline is set), recording
// end-to-end latency into a merged stats map, then appends a
// {config, metrics} record to cfg.ReportPath (§6, §4 "Supplemented
// features").
func NShot(ctx context.Context, disp *pipeline.Dispatcher, spec *model.Spec, specRef store.Ref, arg any, constRefs []store.Ref, pool *runner.Pool, loader Loader, n int, cfg Config) ([]NShotResult, error) {
	warmupN := cfg.NWorkers * warmupFactorPerWorker
	if warmupN > 0 {
		log.Printf("[driver] running %d warmup passes", warmupN)
		if _, err := runBatch(ctx, disp, spec, specRef, arg, constRefs, pool, loader, warmupN, cfg, model.NewBasicStats()); err != nil {
			return nil, fmt.Errorf("driver: warmup: %w", err)
		}
		// Discard warmup stats by draining and dropping them, the same way
		// rayBench.nShot calls pool.getStats.remote() without merging it.
		if pool != nil {
			if _, err := pool.GetStats(ctx); err != nil {
				return nil, err
			}
		}
	}

	log.Printf("[driver] beginning warm run of %d requests", n)
	warmStats := model.NewBasicStats()
	results, err := runBatch(ctx, disp, spec, specRef, arg, constRefs, pool, loader, n, cfg, warmStats)
	if err != nil {
		return nil, err
	}

	if pool != nil {
		poolStats, err := pool.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range poolStats {
			warmStats.Merge(s)
		}
	}

	if loader.CheckAvailable() {
		correct := 0
		for _, r := range results {
			ok, err := loader.Check(r.Output, r.Index)
			if err != nil {
				return nil, fmt.Errorf("driver: accuracy check: %w", err)
			}
			if ok {
				correct++
			}
		}
		log.Printf("[driver] accuracy = %.4f", float64(correct)/float64(n))
	} else {
		log.Printf("[driver] accuracy checking not supported by this dataset")
	}

	metrics := warmStats.Snapshot()
	if err := AppendReport(cfg.ReportPath, Record{Config: cfg, Metrics: metrics}); err != nil {
		return nil, err
	}

	return results, nil
}

func runBatch(ctx context.Context, disp *pipeline.Dispatcher, spec *model.Spec, specRef store.Ref, arg any, constRefs []store.Ref, pool *runner.Pool, loader Loader, n int, cfg Config, stats *model.BasicStats) ([]NShotResult, error) {
	nData := loader.NData()
	results := make([]NShotResult, 0, n)

	for i := 0; i < n; i++ {
		idx := i % nData
		inp := loader.Get(idx)

		inputRefs := make([]store.Ref, 0, len(inp))
		for _, v := range inp {
			r, err := disp.Store.Put(ctx, v)
			if err != nil {
				return nil, err
			}
			inputRefs = append(inputRefs, r)
		}

		opts := pipeline.Options{Inline: cfg.Inline, CacheModel: cfg.Cache}
		if !cfg.Inline {
			opts.Pool = pool
		}
		if cfg.Tel != nil {
			opts.Tracer = cfg.Tel.Tracer()
			opts.Telemetry = cfg.Tel
		}

		start := time.Now()
		outRefs, err := disp.RunOne(ctx, spec, specRef, arg, constRefs, inputRefs, opts)
		if err != nil {
			return nil, fmt.Errorf("driver: request %d: %w", i, err)
		}
		stats.Record("t_e2e", time.Since(start).Seconds())

		out := make([]any, 0, len(outRefs))
		for _, r := range outRefs {
			v, err := disp.Store.Get(ctx, r)
			if err != nil {
				return nil, err
			}
			flat, err := store.Flatten(ctx, disp.Store, v)
			if err != nil {
				return nil, err
			}
			out = append(out, flat)
		}

		results = append(results, NShotResult{Index: idx, Output: out})
	}

	return results, nil
}
