package policy

import (
	"context"
	"sync"

	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// Balance routes requests to workers with potentially multiple tenants per
// worker, balancing load based on estimated outstanding work (§4.4).
type Balance struct {
	mu        sync.Mutex
	workers   []*worker.Worker
	statusL   *StatusList
	objStore  store.Store
	newWorker func(id int) *worker.Worker
	nextID    int

	// pendingStats holds the already-drained stats of workers removed by
	// scaleDown, merged into the next GetStats call. The Python original
	// stores ray futures here and ray.get()s them lazily; Go's worker.GetStats
	// is synchronous, so the drain happens eagerly at scaleDown time instead.
	pendingStats []map[string]map[string]float64
}

// NewBalance allocates n workers and a parallel status list, grounded on
// rayBench.PolicyBalance.__init__.
func NewBalance(n int, objStore store.Store, newWorker func(id int) *worker.Worker) *Balance {
	b := &Balance{
		statusL:   NewStatusList(),
		objStore:  objStore,
		newWorker: newWorker,
		nextID:    n,
	}
	for i := 0; i < n; i++ {
		w := newWorker(i)
		b.workers = append(b.workers, w)
		b.statusL.Append(w)
	}
	return b
}

// Workers returns a snapshot of the current worker list (for tests/status).
func (b *Balance) Workers() []*worker.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*worker.Worker, len(b.workers))
	copy(out, b.workers)
	return out
}

// ScaleUp extends the worker list and status list by one (§4.4).
func (b *Balance) ScaleUp() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	w := b.newWorker(id)
	b.workers = append(b.workers, w)
	b.mu.Unlock()

	b.statusL.Append(w)
}

// ScaleDown pops the tail worker, drains and stashes its stats, and
// terminates it fire-and-forget — stats must never be dropped (§4.4).
func (b *Balance) ScaleDown(ctx context.Context) {
	b.mu.Lock()
	if len(b.workers) == 0 {
		b.mu.Unlock()
		return
	}
	victim := b.workers[len(b.workers)-1]
	b.workers = b.workers[:len(b.workers)-1]
	b.mu.Unlock()

	b.statusL.PopLast()

	stats, err := victim.GetStats(ctx)
	if err == nil {
		b.mu.Lock()
		b.pendingStats = append(b.pendingStats, stats)
		b.mu.Unlock()
	}
	go victim.Terminate()
}

func (b *Balance) GetRunner(ctx context.Context, _ string) (*worker.Worker, Handle, error) {
	status, err := PickBalanced(ctx, b.statusL, b.objStore)
	if err != nil || status == nil {
		return nil, nil, err
	}
	return status.Worker, status, nil
}

// Update stores the first output ref into the handle and transitions it to
// Busy (§4.4).
func (b *Balance) Update(_ string, h Handle, outFutures []store.Ref) {
	if h == nil {
		return
	}
	var first store.Ref
	if len(outFutures) > 0 {
		first = outFutures[0]
	}
	b.statusL.MarkBusy(h, first)
}

// GetStats drains every live worker plus any stashed from prior scale-downs,
// merges them, and resets the pending list (§4.4).
func (b *Balance) GetStats(ctx context.Context) (map[string]map[string]float64, error) {
	b.mu.Lock()
	workers := append([]*worker.Worker{}, b.workers...)
	pending := b.pendingStats
	b.pendingStats = nil
	b.mu.Unlock()

	out := make(map[string]map[string]float64)
	for _, snapshot := range pending {
		mergeInto(out, snapshot)
	}
	for _, w := range workers {
		snapshot, err := w.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		mergeInto(out, snapshot)
	}
	return out, nil
}

func mergeInto(base map[string]map[string]float64, delta map[string]map[string]float64) {
	for tenantID, d := range delta {
		if existing, ok := base[tenantID]; ok {
			for k, v := range d {
				existing[k] += v
			}
		} else {
			cp := make(map[string]float64, len(d))
			for k, v := range d {
				cp[k] = v
			}
			base[tenantID] = cp
		}
	}
}
