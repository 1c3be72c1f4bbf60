// Package completion implements the completion path (§4.8): pull delivery
// (callers await output references directly, needing nothing from this
// package) and push delivery, where the last pipeline stage enqueues
// (result, queryID) pairs for a single handler goroutine to acknowledge.
package completion

import "context"

// Message is one (result, queryID) pair pushed by the last pipeline stage
// (post, inline, or run when noPost), or a sentinel declaring the total
// number of acknowledgements the handler should expect before exiting.
type Message struct {
	Result  []any
	QueryID string

	// Sentinel is non-nil for a sentinel message; Result/QueryID are unused
	// when set.
	Sentinel *int
}

// Queue is a bounded push-delivery channel plus the one handler goroutine
// that drains it, matching spec.md §4.8's "single completion handler thread"
// with sentinel-driven shutdown.
type Queue struct {
	ch chan Message
}

// NewQueue returns a queue with the given buffer depth. A depth of 0 makes
// Push synchronous with the handler, which is fine for tests but will stall
// pipeline stages under real load; callers choosing depth should size it to
// their expected in-flight request count.
func NewQueue(depth int) *Queue {
	return &Queue{ch: make(chan Message, depth)}
}

// Push enqueues a completed result. It returns at once while the buffer has
// room; once the buffer is full it blocks until the handler takes a message.
func (q *Queue) Push(result []any, queryID string) {
	q.ch <- Message{Result: result, QueryID: queryID}
}

// PushSentinel enqueues the sentinel declaring the total number of
// acknowledgements expected before Drain's handler exits.
func (q *Queue) PushSentinel(target int) {
	q.ch <- Message{Sentinel: &target}
}

// Ack is called once per completed message, in delivery order, so an
// external harness (MLPerf SUT, server reply) can acknowledge it.
type Ack func(result []any, queryID string)

// Drain runs the completion handler loop: it acknowledges every non-sentinel
// message via ack, and exits once it has acknowledged as many messages as
// the first sentinel it observes declares — even if further messages were
// already enqueued behind it (§8 scenario 6). It ignores ctx for message
// delivery (the spec ties shutdown to the sentinel count, not cancellation)
// but still returns if ctx is done, so callers can recover from a handler
// that never receives its sentinel.
func Drain(ctx context.Context, q *Queue, ack Ack) {
	acked := 0
	target := -1
	for {
		if target >= 0 && acked >= target {
			return
		}
		select {
		case msg := <-q.ch:
			if msg.Sentinel != nil {
				target = *msg.Sentinel
				if acked >= target {
					return
				}
				continue
			}
			ack(msg.Result, msg.QueryID)
			acked++
		case <-ctx.Done():
			return
		}
	}
}
