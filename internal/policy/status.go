// Package policy implements the three runner-pool scheduling policies
// (§4.2–§4.5): round-robin, load-balanced, and per-tenant exclusive with
// fair eviction. Grounded on original_source/inference/benchmark/rayBench.py
// (statusList, pickActorBalanced, PolicyRR, PolicyBalance, PolicyExclusive).
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/kaasbench/dispatch/internal/errs"
	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// maxStaleRetries bounds how many consecutive readiness wake-ups
// PickBalanced will treat as stale (no worker actually went Idle) before
// giving up with errs.ErrStaleReady, rather than spinning forever.
const maxStaleRetries = 50

// State is a WorkerStatus's tri-state (§3).
type State int

const (
	Idle State = iota
	Reserved
	Busy
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reserved:
		return "reserved"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// WorkerStatus tracks one worker's scheduling state. Mutated only under its
// owning StatusList's lock (§3 invariant).
type WorkerStatus struct {
	Worker *worker.Worker
	State  State

	// InFlightRef is a reference to the worker's most recent first output
	// when Busy; nil for Idle/Reserved (§3 invariant).
	InFlightRef store.Ref
	hasRef      bool
}

// Handle is the opaque token getRunner returns and update consumes (§3).
// It carries no ownership semantics — it is a pointer into the StatusList
// the policy itself owns for the worker's entire lifetime (§9).
type Handle = *WorkerStatus

// StatusList protects a set of WorkerStatus entries with one mutex and one
// condition variable, per §5's "Shared-resource policy."
type StatusList struct {
	mu          sync.Mutex
	cond        *sync.Cond
	statuses    []*WorkerStatus
	reservedCnt int
}

// NewStatusList returns an empty status list.
func NewStatusList() *StatusList {
	sl := &StatusList{}
	sl.cond = sync.NewCond(&sl.mu)
	return sl
}

// Append adds a new Idle status for w. Caller must hold no other lock.
func (sl *StatusList) Append(w *worker.Worker) *WorkerStatus {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	st := &WorkerStatus{Worker: w, State: Idle}
	sl.statuses = append(sl.statuses, st)
	return st
}

// PopLast removes and returns the last status (for scaleDown).
func (sl *StatusList) PopLast() *WorkerStatus {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.statuses) == 0 {
		return nil
	}
	st := sl.statuses[len(sl.statuses)-1]
	sl.statuses = sl.statuses[:len(sl.statuses)-1]
	if st.State == Reserved {
		sl.reservedCnt--
	}
	return st
}

// Len returns the number of workers tracked (holds the lock).
func (sl *StatusList) Len() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.statuses)
}

// updateState transitions status to newState, maintaining reservedCnt.
// Caller must hold sl.mu (mirrors rayBench.statusList.updateState's
// "assert self.lock.locked()").
func (sl *StatusList) updateState(status *WorkerStatus, newState State) {
	if status.State == Reserved {
		sl.reservedCnt--
	}
	if newState == Reserved {
		sl.reservedCnt++
	}
	status.State = newState
}

// MarkBusy transitions a Reserved handle to Busy, records its in-flight
// ref, and wakes any waiters (the second half of PolicyBalance.update).
func (sl *StatusList) MarkBusy(h Handle, ref store.Ref) {
	sl.mu.Lock()
	h.InFlightRef = ref
	h.hasRef = true
	sl.updateState(h, Busy)
	sl.cond.Broadcast()
	sl.mu.Unlock()
}

// PickBalanced implements pickActorBalanced (§4.2): find an Idle worker,
// reserve and return it; if none are Idle, wait on the readiness of every
// Busy worker's in-flight ref via objStore.Wait, then retry. Returns nil, nil
// if the list is empty; returns nil and ctx's error if ctx expires first.
func PickBalanced(ctx context.Context, sl *StatusList, objStore store.Store) (*WorkerStatus, error) {
	staleRetries := 0
	for {
		sl.mu.Lock()
		if len(sl.statuses) == 0 {
			sl.mu.Unlock()
			return nil, nil
		}

		for sl.reservedCnt == len(sl.statuses) {
			// All workers are reserved by other callers; wait for one to
			// free up, but stop waiting if ctx is already done.
			if ctx.Err() != nil {
				sl.mu.Unlock()
				return nil, ctx.Err()
			}
			waitOnCond(sl.cond, ctx)
			if ctx.Err() != nil {
				sl.mu.Unlock()
				return nil, ctx.Err()
			}
		}

		var outstanding []store.Ref
		for _, st := range sl.statuses {
			if st.State == Idle {
				sl.updateState(st, Reserved)
				sl.mu.Unlock()
				return st, nil
			}
			if st.State == Busy && st.hasRef {
				outstanding = append(outstanding, st.InFlightRef)
			}
		}
		sl.mu.Unlock()

		if len(outstanding) == 0 {
			// Nothing Busy with a ref and nothing Idle: everything must be
			// Reserved-without-having-looped (race), try again.
			continue
		}

		ready, _, err := objStore.Wait(ctx, outstanding, 1)
		if err != nil && len(ready) == 0 {
			return nil, err
		}

		sl.mu.Lock()
		if len(ready) == 0 {
			sl.mu.Unlock()
			return nil, nil
		}

		readySet := make(map[string]bool, len(ready))
		for _, r := range ready {
			readySet[r.String()] = true
		}

		var idleIdx = -1
		for i, st := range sl.statuses {
			if st.State == Idle {
				idleIdx = i
			} else if st.State == Busy && st.hasRef && readySet[st.InFlightRef.String()] {
				sl.updateState(st, Idle)
				st.hasRef = false
				idleIdx = i
			}
		}

		if idleIdx == -1 {
			// Stale wake-up: objStore.Wait reported a ref ready but no
			// status holding it was still Busy by the time we reacquired
			// the lock (another waiter already claimed it). Loop and try
			// again, up to a bound.
			staleRetries++
			if staleRetries > maxStaleRetries {
				sl.mu.Unlock()
				return nil, fmt.Errorf("%w: no worker went idle after %d readiness wake-ups", errs.ErrStaleReady, staleRetries)
			}
			sl.mu.Unlock()
			continue
		}

		sl.updateState(sl.statuses[idleIdx], Reserved)
		chosen := sl.statuses[idleIdx]
		sl.mu.Unlock()
		return chosen, nil
	}
}

// waitOnCond waits on cond, but also returns promptly if ctx is canceled by
// spawning a one-shot watcher that broadcasts on cancellation.
func waitOnCond(cond *sync.Cond, ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
}

// ErrIfNil converts a nil handle/worker pair into ErrExhausted for callers
// that must fail hard rather than propagate (nil, nil).
func ErrIfNil(w *worker.Worker) error {
	if w == nil {
		return errs.ErrExhausted
	}
	return nil
}
