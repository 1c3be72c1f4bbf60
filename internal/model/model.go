// Package model declares the out-of-scope model capability set (§6): the
// interfaces the dispatch core depends on but never implements itself.
// Concrete models (pre/run/post, constants, loaders) are supplied by callers.
package model

import (
	"context"

	"github.com/kaasbench/dispatch/internal/store"
)

// Type distinguishes native model execution from accelerator-only (KaaS)
// execution (§1, §6).
type Type int

const (
	Native Type = iota
	KaaS
)

func (t Type) String() string {
	if t == KaaS {
		return "kaas"
	}
	return "native"
}

// InputMap is a per-stage selection rule choosing from constants, raw
// inputs, and prior-stage outputs (§3, §4.7).
type InputMap struct {
	// UseInputs/UsePre/UseRun select which upstream reference sets this
	// stage's inputs are drawn from, in packing order. Every stage always
	// receives the full constant set first (spec.md's `pack(map, const=...,
	// ...)` passes constRefs unconditionally); NConst on the model spec is
	// what a worker uses to split a flattened argument list back into
	// (constants, data), mirroring rayBench._unMarshalArgs.
	UseInputs bool
	UsePre    bool
	UseRun    bool
}

// Capability is the per-tenant model capability set (§6). A concrete model
// implements Pre/Run/Post and is constructed from an Arg produced by
// GetModelArg.
type Capability interface {
	Pre(ctx context.Context, args []any) ([]any, error)
	Run(ctx context.Context, args []any, stats Stats) ([]any, error)
	Post(ctx context.Context, args []any) ([]any, error)
}

// KaasCapability is implemented by models with Type == KaaS: instead of a
// native Run, they build an opaque accelerator request.
type KaasCapability interface {
	BuildKaasRequest(ctx context.Context, runInputs []any) (any, error)
}

// ConstantsFunc loads a model's constant inputs from its data directory
// (static getConstants(dir) in §6); nil means the model has no constants.
type ConstantsFunc func(dataDir string) ([]any, error)

// Factory constructs a model instance from its Arg (modelClass(arg) in §6).
type Factory func(arg any) (Capability, error)

// Spec is the ModelSpec entity (§3): created once per tenant registration,
// immutable, and referenced from the object store.
type Spec struct {
	Type      Type
	ModelPath string
	DataDir   string

	New           Factory
	GetConstants  ConstantsFunc
	GetModelArg   func() (any, error)
	PreMap        InputMap
	RunMap        InputMap
	PostMap       InputMap
	NConst        int
	NOutPre       int
	NOutRun       int
	NOutPost      int
	NoPost        bool
}

// Ref is a store reference to a Spec, passed between pipeline stages the
// way rayBench passes specRef instead of the spec itself.
type Ref = store.Ref

// Stats is the per-tenant statistics collector a worker exposes through
// getStats(); kept generic (map of named durations/counts) since concrete
// metric shapes are model-specific.
type Stats interface {
	Record(name string, delta float64)
	Snapshot() map[string]float64
	Merge(other map[string]float64)
}
