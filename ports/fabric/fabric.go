// Package fabric defines the collective communicator the epoch
// controller and bootstrap code call out to: rank/size, a barrier, and
// splitting the world by node for node-local port allocation.
package fabric

import "context"

// Fabric is a collective communicator. Implementations must make
// WorldSize and MyRank stable for the lifetime of the process.
type Fabric interface {
	WorldSize() int
	MyRank() int

	// Barrier blocks until every rank in the fabric has called Barrier
	// for the same generation (callers are expected to call it the
	// same number of times, in the same relative order, on every rank).
	Barrier(ctx context.Context) error

	// CommSplitByNode returns the rank of this process within the set
	// of ranks that share its node, and the size of that set. Used to
	// give node-local port probing distinct starting offsets.
	CommSplitByNode(ctx context.Context) (nodeRank, nodeSize int, err error)
}
