// Package store implements the object store capability described in
// SPEC_FULL.md §6: a reference store with put/get/wait. Refs are random
// UUIDs minted per Put; they are not derived from the stored content.
// The dispatch core treats the store as an external collaborator; this
// package provides the two implementations the driver modes actually use.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ref is an opaque handle returned by Put and resolved by Get. It never
// carries a raw pointer so it can cross the in-memory/Redis boundary
// uniformly, and so a Ref can be nested inside another value without the
// store needing to understand its payload type.
type Ref struct {
	id string
}

// NewRef mints a fresh reference id. Exposed so callers that pre-allocate a
// ref before the value exists (e.g. a completion queue key) can do so.
func NewRef() Ref {
	return Ref{id: uuid.NewString()}
}

func (r Ref) String() string { return r.id }

// IsZero reports whether r was never assigned (the zero Ref).
func (r Ref) IsZero() bool { return r.id == "" }

// Store is the external object-store capability. Put/Get/Wait mirror
// SPEC_FULL.md §6; references may be nested inside returned values and must
// be recursively dereferenced at pipeline boundaries (see Flatten).
type Store interface {
	// Put stores a value and returns a reference to it.
	Put(ctx context.Context, value any) (Ref, error)

	// Get resolves a reference to its value. May block on transfer.
	Get(ctx context.Context, ref Ref) (any, error)

	// Wait blocks until at least n of refs are ready, or ctx is done.
	// Returns the ready subset and the still-pending subset.
	Wait(ctx context.Context, refs []Ref, n int) (ready []Ref, pending []Ref, err error)
}

// Flatten recursively dereferences any Ref values nested inside v, resolving
// the "KaaS results are sometimes a reference to a reference" ambiguity
// SPEC_FULL.md §9 calls out: every pipeline boundary calls Flatten exactly
// once instead of ad hoc double-Gets.
func Flatten(ctx context.Context, s Store, v any) (any, error) {
	switch t := v.(type) {
	case Ref:
		inner, err := s.Get(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("flatten %s: %w", t, err)
		}
		return Flatten(ctx, s, inner)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			flat, err := Flatten(ctx, s, e)
			if err != nil {
				return nil, err
			}
			out[i] = flat
		}
		return out, nil
	case []Ref:
		out := make([]any, len(t))
		for i, e := range t {
			flat, err := Flatten(ctx, s, e)
			if err != nil {
				return nil, err
			}
			out[i] = flat
		}
		return out, nil
	default:
		return v, nil
	}
}
