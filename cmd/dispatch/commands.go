package main

import (
	"context"
	"fmt"
	"log"

	"github.com/urfave/cli/v3"

	"github.com/kaasbench/dispatch/internal/completion"
	"github.com/kaasbench/dispatch/internal/demomodel"
	"github.com/kaasbench/dispatch/internal/driver"
	"github.com/kaasbench/dispatch/internal/errs"
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/pipeline"
	"github.com/kaasbench/dispatch/internal/policy"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/server"
	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/telemetry"
	"github.com/kaasbench/dispatch/internal/worker"
)

// rig bundles everything a driver mode needs, built once from CLI flags.
type rig struct {
	disp      *pipeline.Dispatcher
	spec      *model.Spec
	specRef   store.Ref
	arg       any
	constRefs []store.Ref
	pool      *runner.Pool
	tel       *telemetry.Telemetry
	cfg       driver.Config
	closeFn   func()
}

func buildRig(ctx context.Context, cmd *cli.Command) (*rig, error) {
	cfg := driver.Config{
		RunnerMode:   driver.RunnerModeName(cmd.String("runner-mode")),
		RunnerPolicy: driver.RunnerPolicyName(cmd.String("runner-policy")),
		Inline:       cmd.Bool("inline"),
		Cache:        cmd.Bool("cache"),
		NumClient:    cmd.Int("num-client"),
		NWorkers:     cmd.Int("workers"),
		ReportPath:   cmd.String("report"),
	}

	var objStore store.Store
	switch cmd.String("store") {
	case "redis":
		rcfg := store.DefaultRedisConfig()
		rcfg.Addr = cmd.String("redis-addr")
		rs, err := store.NewRedisStore(ctx, rcfg)
		if err != nil {
			return nil, err
		}
		objStore = rs
	default:
		objStore = store.NewMemStore()
	}

	telCfg := telemetry.DefaultConfig()
	if cmd.String("telemetry") == "stdout" {
		telCfg.Enabled = true
		telCfg.ExporterType = telemetry.ExporterStdout
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}
	cfg.Tel = tel

	spec := demomodel.Spec()
	arg, err := spec.GetModelArg()
	if err != nil {
		return nil, err
	}

	specRef, err := objStore.Put(ctx, "demomodel")
	if err != nil {
		return nil, err
	}

	constants, err := spec.GetConstants(spec.DataDir)
	if err != nil {
		return nil, err
	}
	constRefs := make([]store.Ref, 0, len(constants))
	for _, c := range constants {
		r, err := objStore.Put(ctx, c)
		if err != nil {
			return nil, err
		}
		constRefs = append(constRefs, r)
	}

	mode, ok := driver.ParseMode(cfg.RunnerMode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown runner-mode %q", errs.ErrConfig, cfg.RunnerMode)
	}
	if mode == runner.Task && cfg.Cache {
		return nil, fmt.Errorf("%w: --cache is incompatible with runner-mode task", errs.ErrConfig)
	}

	var pool *runner.Pool
	if mode == runner.Task {
		taskWorker := worker.New(0, nil)
		pool, err = runner.New(runner.Task, nil, objStore, taskWorker)
	} else {
		var pol policy.Policy
		newWorker := func(id int) *worker.Worker { return worker.New(id, nil) }
		switch cfg.RunnerPolicy {
		case driver.PolicyRR:
			pol = policy.NewRR(cfg.NWorkers, newWorker)
		case driver.PolicyBalance:
			pol = policy.NewBalance(cfg.NWorkers, objStore, newWorker)
		case driver.PolicyExclusive:
			ex := policy.NewExclusive(cfg.NWorkers, objStore, func(tenantID string, id int) *worker.Worker {
				return worker.New(id, nil)
			})
			ex.SetTelemetry(tel)
			pol = ex
		default:
			return nil, fmt.Errorf("%w: unknown runner-policy %q", errs.ErrConfig, cfg.RunnerPolicy)
		}
		pool, err = runner.New(mode, pol, objStore, nil)
	}
	if err != nil {
		return nil, err
	}
	pool.SetTelemetry(tel)

	disp := pipeline.New(objStore)

	return &rig{
		disp:      disp,
		spec:      spec,
		specRef:   specRef,
		arg:       arg,
		constRefs: constRefs,
		pool:      pool,
		tel:       tel,
		cfg:       cfg,
		closeFn:   func() { _ = tel.Shutdown(context.Background()) },
	}, nil
}

func newNShotCommand() *cli.Command {
	return &cli.Command{
		Name:  "nshot",
		Usage: "run n synchronous requests and append timing to the results report",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 100, Usage: "number of timed requests"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := buildRig(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.closeFn()

			n := cmd.Int("n")
			preload := n
			if w := r.cfg.NWorkers * 2; w > preload {
				preload = w
			}
			if preload > 1000 {
				preload = 1000
			}
			idxs := make([]int, preload)
			for i := range idxs {
				idxs[i] = i
			}
			loader := demomodel.NewLoader(idxs)

			_, err = driver.NShot(ctx, r.disp, r.spec, r.specRef, r.arg, r.constRefs, r.pool, loader, n, r.cfg)
			return err
		},
	}
}

func newMLPerfBenchCommand() *cli.Command {
	return &cli.Command{
		Name:  "mlperf-bench",
		Usage: "run a fixed batch of queries through the SUT callback, as an MLPerf-style harness would",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 100, Usage: "number of queries to issue"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := buildRig(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.closeFn()

			n := cmd.Int("n")
			idxs := make([]int, n)
			for i := range idxs {
				idxs[i] = i
			}
			loader := demomodel.NewLoader(idxs)

			completionQ := completionQueue(n)
			sut := driver.MLPerfBench(r.disp, r.spec, r.specRef, r.arg, r.constRefs, r.pool, loader, r.cfg, completionQ)

			queries := make([]driver.Query, n)
			for i := range queries {
				queries[i] = driver.Query{ID: fmt.Sprintf("q%d", i), Index: i}
			}
			if err := sut(ctx, queries); err != nil {
				return err
			}

			acked := 0
			drainCompletions(completionQ, n, &acked)
			return nil
		},
	}
}

func completionQueue(n int) *completion.Queue {
	return completion.NewQueue(n + 1)
}

func drainCompletions(q *completion.Queue, n int, acked *int) {
	q.PushSentinel(n)
	completion.Drain(context.Background(), q, func(result []any, queryID string) {
		*acked++
		log.Printf("[mlperf] completed %s", queryID)
	})
	log.Printf("[mlperf] acknowledged %d/%d", *acked, n)
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the NATS-backed network server loop",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := buildRig(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.closeFn()

			srvCfg := server.Config{URL: cmd.String("nats-url"), NumClient: r.cfg.NumClient}
			return driver.Serve(ctx, srvCfg, r.disp, r.spec, r.specRef, r.arg, r.constRefs, r.pool, r.cfg)
		},
	}
}
