// Command dispatch is the CLI entrypoint for the inference dispatcher: it
// wires the object store, telemetry, runner pool, and policy from flags,
// then runs one of three driver modes (nshot, mlperf-bench, serve).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cli.Command{
		Name:  "dispatch",
		Usage: "multi-tenant GPU inference dispatcher",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "runner-mode", Value: "actor", Usage: "task|actor|kaas"},
			&cli.StringFlag{Name: "runner-policy", Value: "rr", Usage: "rr|balance|exclusive"},
			&cli.BoolFlag{Name: "inline", Usage: "use the fused inline fast path"},
			&cli.BoolFlag{Name: "cache", Usage: "request model caching; rejected with runner-mode task (pooled workers always cache per tenant)"},
			&cli.IntFlag{Name: "workers", Value: 1, Usage: "runner pool size"},
			&cli.IntFlag{Name: "num-client", Value: 1, Usage: "barrier peer count for serve mode"},
			&cli.StringFlag{Name: "report", Value: "results.json", Usage: "nshot results report path"},
			&cli.StringFlag{Name: "store", Value: "mem", Usage: "mem|redis object-store backend"},
			&cli.StringFlag{Name: "redis-addr", Value: "127.0.0.1:6379", Usage: "redis address when --store=redis"},
			&cli.StringFlag{Name: "telemetry", Value: "none", Usage: "none|stdout"},
			&cli.StringFlag{Name: "nats-url", Value: "", Usage: "NATS URL for serve mode"},
		},
		Commands: []*cli.Command{
			newNShotCommand(),
			newMLPerfBenchCommand(),
			newServeCommand(),
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		log.Fatalf("dispatch: %v", err)
	}
}
