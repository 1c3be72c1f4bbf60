package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/pipeline"
	"github.com/kaasbench/dispatch/internal/runner"
	"github.com/kaasbench/dispatch/internal/server"
	"github.com/kaasbench/dispatch/internal/store"
)

// Serve runs the network server loop (§6 "serveRequests"), answering each
// request by routing it through the staged (or inline) pipeline and
// replying with its flattened output.
func Serve(ctx context.Context, srvCfg server.Config, disp *pipeline.Dispatcher, spec *model.Spec, specRef store.Ref, arg any, constRefs []store.Ref, pool *runner.Pool, cfg Config) error {
	handler := func(ctx context.Context, clientID string, req server.RequestMsg) (json.RawMessage, error) {
		var inputs []any
		if err := json.Unmarshal(req.Payload, &inputs); err != nil {
			return nil, fmt.Errorf("serve: unmarshal request payload: %w", err)
		}

		inputRefs := make([]store.Ref, 0, len(inputs))
		for _, v := range inputs {
			r, err := disp.Store.Put(ctx, v)
			if err != nil {
				return nil, err
			}
			inputRefs = append(inputRefs, r)
		}

		opts := pipeline.Options{Inline: cfg.Inline, CacheModel: cfg.Cache, TenantID: clientID}
		if !cfg.Inline {
			opts.Pool = pool
		}
		if cfg.Tel != nil {
			opts.Tracer = cfg.Tel.Tracer()
			opts.Telemetry = cfg.Tel
		}

		outRefs, err := disp.RunOne(ctx, spec, specRef, arg, constRefs, inputRefs, opts)
		if err != nil {
			return nil, err
		}

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

		return json.Marshal(out)
	}

	srv, err := server.New(srvCfg, handler)
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.Serve(ctx)
}
