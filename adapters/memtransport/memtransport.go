// Package memtransport implements core/transport.Transport for
// multiple simulated ranks sharing one process, useful for tests that
// don't want a real NATS broker.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sakjain92/vpic-shuffle/core/transport"
)

// TODO(retries): a slow or wedged peer's callback stalls its queue
// worker indefinitely; there is no per-delivery timeout here the way
// nn/xn bound their NATS round trips with sendTimeout/requestTimeout.

// hub is the shared switchboard every rank's Transport looks peers up
// through, mirroring the shard-subscriber map in an in-memory pub/sub
// transport but keyed by rank instead of shard id.
type hub struct {
	mu    sync.RWMutex
	peers map[int]*Transport
}

// New returns world Transport instances sharing one hub, each with its
// own bounded outbound queue of the given per-destination capacity.
func New(world int, queueCapacity int) []*Transport {
	h := &hub{peers: make(map[int]*Transport, world)}
	out := make([]*Transport, world)
	for r := 0; r < world; r++ {
		t := &Transport{
			world: world,
			rank:  r,
			hub:   h,
			queue: transport.NewOutboundQueue(queueCapacity),
		}
		h.peers[r] = t
		out[r] = t
	}
	return out
}

// Transport is one rank's endpoint into the shared hub.
type Transport struct {
	world int
	rank  int
	hub   *hub
	queue *transport.OutboundQueue

	mu sync.RWMutex
	cb transport.DeliveryFunc

	// deliverMu serializes calls to cb across every sending rank's
	// queue worker.
	deliverMu sync.Mutex

	errMu   sync.Mutex
	sendErr error // first delivery failure since the last EpochStart
}

// Enqueue queues buf for delivery to dst's registered callback and
// returns once it is accepted onto dst's outbound queue; it blocks
// only if that queue is full. The callback runs later, off the queue's
// worker goroutine, with context.Background() rather than ctx (Enqueue
// has already returned by the time it runs); a failure there surfaces
// from EpochEnd, not from this call.
func (t *Transport) Enqueue(ctx context.Context, buf []byte, dst int, epoch uint32) error {
	if dst < 0 || dst >= t.world {
		return &transport.Error{Op: "enqueue", Err: fmt.Errorf("dst %d out of range [0,%d)", dst, t.world)}
	}
	return t.queue.Send(ctx, dst, func() error {
		t.hub.mu.RLock()
		peer := t.hub.peers[dst]
		t.hub.mu.RUnlock()

		peer.mu.RLock()
		cb := peer.cb
		peer.mu.RUnlock()
		if cb == nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: fmt.Errorf("no delivery callback registered for rank %d", dst)})
		}
		peer.deliverMu.Lock()
		err := cb(context.Background(), buf, t.rank, dst, epoch)
		peer.deliverMu.Unlock()
		if err != nil {
			return t.recordSendErr(&transport.Error{Op: "enqueue", Err: err})
		}
		return nil
	})
}

// recordSendErr keeps the first delivery error seen since the last
// EpochStart and returns it unchanged, so it can sit directly in a
// `return t.recordSendErr(err)` at each Enqueue failure site.
func (t *Transport) recordSendErr(err error) error {
	t.errMu.Lock()
	if t.sendErr == nil {
		t.sendErr = err
	}
	t.errMu.Unlock()
	return err
}

func (t *Transport) takeSendErr() error {
	t.errMu.Lock()
	err := t.sendErr
	t.sendErr = nil
	t.errMu.Unlock()
	return err
}

// EpochStart clears any delivery error left over from a prior epoch.
func (t *Transport) EpochStart(context.Context, uint32) error {
	t.takeSendErr()
	return nil
}

// EpochEnd drains this rank's outbound queue — waiting for every
// Enqueue call accepted so far to finish running its destination's
// callback — then reports the first delivery failure observed, if any.
func (t *Transport) EpochEnd(ctx context.Context, _ uint32) error {
	if err := t.queue.Drain(ctx); err != nil {
		return &transport.Error{Op: "epoch_end", Err: err}
	}
	return t.takeSendErr()
}

func (t *Transport) WorldSize() int { return t.world }
func (t *Transport) MyRank() int    { return t.rank }

func (t *Transport) RegisterDelivery(fn transport.DeliveryFunc) {
	t.mu.Lock()
	t.cb = fn
	t.mu.Unlock()
}

// Destroy drains and closes this rank's outbound queue. It does not
// affect other ranks sharing the hub.
func (t *Transport) Destroy(ctx context.Context) error {
	drainErr := t.queue.Drain(ctx)
	t.queue.Close()
	if drainErr != nil {
		return &transport.Error{Op: "destroy", Err: drainErr}
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
