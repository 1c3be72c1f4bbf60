// Package pipeline implements the pipeline dispatcher (§4.7): runOne builds
// a three-stage pre → run → post graph per query over the runner pool, or a
// fused inline stage, matching rayBench._runOne/runInline/util.packInputs.
package pipeline

import (
	"github.com/kaasbench/dispatch/internal/model"
	"github.com/kaasbench/dispatch/internal/store"
)

// packInputs orders references as constants ++ stage-selected references,
// matching the order workers unmarshal them with NConst (§4.7).
func packInputs(m model.InputMap, constRefs, inp, pre, run []store.Ref) []store.Ref {
	out := make([]store.Ref, 0, len(constRefs)+len(inp)+len(pre)+len(run))
	out = append(out, constRefs...)
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
