package transport

import (
	"context"
	"sync"

	"github.com/sakjain92/vpic-shuffle/core/perkey"
)

// DepthObserver receives outbound queue depth samples keyed by
// destination rank. core/shuffle.ShuffleMetrics satisfies this
// structurally via its IQDepth method; OutboundQueue depends only on
// this narrow interface so core/transport never has to import
// core/shuffle.
type DepthObserver interface {
	IQDepth(dst, depth int)
}

// OutboundQueue gives a Transport implementation a bounded, ordered
// send queue per destination rank: sends to the same destination run
// one at a time in submission order (FIFO for a given (src,dst) pair),
// sends to different destinations run concurrently, and a full queue
// blocks the caller instead of dropping or growing without bound.
//
// It is a thin wrapper over perkey.Scheduler[int] keyed by destination
// rank: the scheduler's per-key buffered channel is the bounded queue,
// and its blocking channel send is the back-pressure mechanism.
type OutboundQueue struct {
	sched *perkey.Scheduler[int]

	mu       sync.Mutex
	observer DepthObserver
}

// NewOutboundQueue builds a queue whose per-destination capacity is
// capacity records.
func NewOutboundQueue(capacity int) *OutboundQueue {
	return &OutboundQueue{sched: perkey.New[int](perkey.WithBufferSize(capacity))}
}

// SetObserver installs the depth observer Send reports to before each
// send. Passing nil disables reporting.
func (q *OutboundQueue) SetObserver(observer DepthObserver) {
	q.mu.Lock()
	q.observer = observer
	q.mu.Unlock()
}

// Send queues fn to run for dst, ordered after every prior Send for the
// same dst, and returns as soon as fn is on dst's queue. It blocks only
// if dst's queue is full, in which case it waits for room (or for ctx
// to be cancelled) rather than dropping fn or growing the queue without
// bound. Callers that need to know whether fn actually succeeded must
// track that themselves and check it at Drain time: Send does not wait
// for fn to run.
func (q *OutboundQueue) Send(ctx context.Context, dst int, fn func() error) error {
	q.mu.Lock()
	obs := q.observer
	q.mu.Unlock()
	if obs != nil {
		obs.IQDepth(dst, q.sched.QueueLen(dst))
	}
	return q.sched.Submit(ctx, dst, fn)
}

// Drain blocks until every fn already queued by Send, for every
// destination, has finished running. Transports call this from
// EpochEnd to implement the flush-then-wait-for-acks contract.
func (q *OutboundQueue) Drain(ctx context.Context) error { return q.sched.Drain(ctx) }

// Close stops accepting new sends. Any fn already queued keeps running
// to completion in the background after Close returns; call Drain
// first if the caller needs that to have finished synchronously.
func (q *OutboundQueue) Close() { q.sched.Close() }
