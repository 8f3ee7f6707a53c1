// Package storage defines the local-store collaborator the dispatcher
// calls out to on the fast path (NativeWrite) and on delivery of
// records that originated on another rank (ExoticWrite).
package storage

import "context"

// StoreError wraps a failure returned by the local store. The
// dispatcher propagates it to the caller without retrying; the
// simulation decides whether to retry the epoch.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the local log-structured backend the shuffle layer writes
// into. Neither method keeps a reference to id or data after it
// returns (MemStore copies both), so callers may reuse those buffers.
type Store interface {
	// NativeWrite persists a record that originated on this rank.
	NativeWrite(ctx context.Context, id, data []byte, epoch uint32) error

	// ExoticWrite persists a record that arrived from another rank via
	// the transport's delivery callback.
	ExoticWrite(ctx context.Context, id, data []byte, epoch uint32) error
}
