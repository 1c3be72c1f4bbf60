package policy

import (
	"context"
	"sync"

	"github.com/kaasbench/dispatch/internal/store"
	"github.com/kaasbench/dispatch/internal/worker"
)

// RR is a simple round-robin policy with no tenant affinity (§4.3).
type RR struct {
	mu      sync.Mutex
	last    int
	workers []*worker.Worker
}

// NewRR allocates n workers, grounded on rayBench.PolicyRR.__init__.
func NewRR(n int, newWorker func(id int) *worker.Worker) *RR {
	r := &RR{workers: make([]*worker.Worker, n)}
	for i := 0; i < n; i++ {
		r.workers[i] = newWorker(i)
	}
	return r
}

func (r *RR) GetRunner(_ context.Context, _ string) (*worker.Worker, Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) == 0 {
		return nil, nil, nil
	}
	w := r.workers[r.last]
	r.last = (r.last + 1) % len(r.workers)
	return w, nil, nil
}

// Update is a no-op for RR: no admission control, backpressure comes from
// the runner pool's object-store wait (§4.3).
func (r *RR) Update(_ string, _ Handle, _ []store.Ref) {}

func (r *RR) GetStats(ctx context.Context) (map[string]map[string]float64, error) {
	r.mu.Lock()
	workers := append([]*worker.Worker{}, r.workers...)
	r.mu.Unlock()

	out := make(map[string]map[string]float64)
	for _, w := range workers {
		stats, err := w.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		for tenantID, s := range stats {
			if existing, ok := out[tenantID]; ok {
				for k, v := range s {
					existing[k] += v
				}
			} else {
				out[tenantID] = s
			}
		}
	}
	return out, nil
}
