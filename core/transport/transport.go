// Package transport defines the contract shuffle dispatchers route
// through, and a bounded-queue building block adapters use to get
// back-pressure and FIFO-per-destination ordering.
package transport

import "context"

// DeliveryFunc is invoked on the receiver side when a peer's Enqueue
// lands a buffer on this rank. Implementations must serialize calls
// to a single DeliveryFunc: it is never called concurrently with
// itself.
type DeliveryFunc func(ctx context.Context, buf []byte, src, dst int, epoch uint32) error

// Transport is the abstract capability the dispatcher routes writes
// through. Two concrete implementers exist: adapters/nn (point to
// point) and adapters/xn (multi-hop forwarding); the dispatcher
// depends only on this interface.
type Transport interface {
	// Enqueue hands buf to the transport for delivery to dst under
	// epoch. It blocks only under back-pressure (destination queue
	// full); it never drops.
	Enqueue(ctx context.Context, buf []byte, dst int, epoch uint32) error

	// EpochStart signals the transport a new epoch has begun.
	EpochStart(ctx context.Context, epoch uint32) error

	// EpochEnd blocks until every buffer enqueued for epoch has been
	// delivered.
	EpochEnd(ctx context.Context, epoch uint32) error

	WorldSize() int
	MyRank() int

	// RegisterDelivery installs the receiver-side callback. Must be
	// called before the first Enqueue from any peer that could reach
	// this rank.
	RegisterDelivery(fn DeliveryFunc)

	// Destroy quiesces the transport and releases its resources.
	// After Destroy returns, Enqueue must not be called again.
	Destroy(ctx context.Context) error
}

// Error wraps a failure surfaced by a Transport implementation
// (connection loss, enqueue failure). The shuffle layer propagates it
// upward without retrying.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
