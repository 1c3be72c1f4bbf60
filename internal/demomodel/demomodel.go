// Package demomodel is a numpy-free Go port of
// original_source/inference/python/infbench/testModel.py's testModelNP: a
// chained-matrix-multiply model used to exercise the dispatch core end to
// end (CLI demos, package tests) without depending on any real inference
// engine, which is out of scope for this module (§1).
package demomodel

import (
	"context"
	"fmt"

	"github.com/kaasbench/dispatch/internal/model"
)

// MatSize and Depth mirror testModel.py's matSize/depth constants.
const (
	MatSize = 8
	Depth   = 3
)

// Matrix is a MatSize x MatSize row-major matrix.
type Matrix []float64

func newMatrix() Matrix { return make(Matrix, MatSize*MatSize) }

func (m Matrix) at(r, c int) float64      { return m[r*MatSize+c] }
func (m Matrix) set(r, c int, v float64)  { m[r*MatSize+c] = v }

func matmul(a, b Matrix) Matrix {
	out := newMatrix()
	for i := 0; i < MatSize; i++ {
		for j := 0; j < MatSize; j++ {
			var sum float64
			for k := 0; k < MatSize; k++ {
				sum += a.at(i, k) * b.at(k, j)
			}
			out.set(i, j, sum)
		}
	}
	return out
}

// GetConstants builds the depth constant matrices: the i-th constant has
// (i+1) on its diagonal, matching testModelNP.getConstants.
func GetConstants(dataDir string) ([]any, error) {
	out := make([]any, 0, Depth)
	for i := 0; i < Depth; i++ {
		m := newMatrix()
		for d := 0; d < MatSize; d++ {
			m.set(d, d, float64(i+1))
		}
		out = append(out, m)
	}
	return out, nil
}

// Capability implements model.Capability, mirroring testModel's
// pre (input+1) / run (chained matmul) / post (output-1) stages.
type Capability struct{}

// New is a model.Factory; the demo model takes no per-tenant argument.
func New(arg any) (model.Capability, error) {
	return &Capability{}, nil
}

// stage input lists are always prefixed with the full constant set (Depth
// of them), per packInputs/packValues; each stage's own data then follows.

func (c *Capability) Pre(_ context.Context, args []any) ([]any, error) {
	if len(args) < Depth+1 {
		return nil, fmt.Errorf("demomodel: pre expects %d args, got %d", Depth+1, len(args))
	}
	in, ok := args[Depth].(Matrix)
	if !ok {
		return nil, fmt.Errorf("demomodel: pre expects a Matrix input")
	}
	out := make(Matrix, len(in))
	for i, v := range in {
		out[i] = v + 1
	}
	return []any{out}, nil
}

func (c *Capability) Run(_ context.Context, args []any, stats model.Stats) ([]any, error) {
	if len(args) < Depth+1 {
		return nil, fmt.Errorf("demomodel: run expects %d args, got %d", Depth+1, len(args))
	}
	constants := args[:Depth]
	pre, ok := args[Depth].(Matrix)
	if !ok {
		return nil, fmt.Errorf("demomodel: run expects a Matrix pre-stage output")
	}

	result := pre
	for i := 0; i < Depth; i++ {
		c, ok := constants[i].(Matrix)
		if !ok {
			return nil, fmt.Errorf("demomodel: constant %d is not a Matrix", i)
		}
		result = matmul(result, c)
	}
	if stats != nil {
		stats.Record("run_count", 1)
	}
	return []any{result}, nil
}

func (c *Capability) Post(_ context.Context, args []any) ([]any, error) {
	if len(args) < Depth+1 {
		return nil, fmt.Errorf("demomodel: post expects %d args, got %d", Depth+1, len(args))
	}
	in, ok := args[Depth].(Matrix)
	if !ok {
		return nil, fmt.Errorf("demomodel: post expects a Matrix input")
	}
	out := make(Matrix, len(in))
	for i, v := range in {
		out[i] = v - 1
	}
	return []any{out}, nil
}

// Spec returns the model.Spec for the demo model, matching testModel.py's
// InputMap declarations.
func Spec() *model.Spec {
	return &model.Spec{
		Type: model.Native,
		New:  New,
		GetConstants: GetConstants,
		GetModelArg: func() (any, error) { return nil, nil },
		PreMap:   model.InputMap{UseInputs: true},
		RunMap:   model.InputMap{UsePre: true},
		PostMap:  model.InputMap{UseRun: true},
		NConst:   Depth,
		NOutPre:  1,
		NOutRun:  1,
		NOutPost: 1,
		NoPost:   false,
	}
}
