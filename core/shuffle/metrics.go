package shuffle

import "github.com/sakjain92/vpic-shuffle/core/metrics"

// ShuffleMetrics is the metrics interface for the shuffle pillar. All
// methods are thread-safe. Implementations back it with whatever
// backend they like (adapters/prometheus, or NopShuffleMetrics for
// tests that don't care).
type ShuffleMetrics interface {
	// Sends/receives, split local (fast path) vs remote (transport).
	LocalSend()
	RemoteSend()
	LocalRecv()
	RemoteRecv()

	// Bytes moved, split the same way.
	LocalSendBytes(n int)
	RemoteSendBytes(n int)
	LocalRecvBytes(n int)
	RemoteRecvBytes(n int)

	// Dispatcher-level outcomes.
	WriteError(kind string)
	HandleError(kind string)

	// Epoch transitions.
	EpochStarted()
	EpochEnded()

	// IQDepth reports the current depth of the outbound queue for dst.
	IQDepth(dst int, depth int)

	// HandoffInterval times the gap between successive Handle calls
	// (the "hg_interval" histogram).
	HandoffInterval() metrics.Timer
}

type nopShuffleMetrics struct{}

func (nopShuffleMetrics) LocalSend()               {}
func (nopShuffleMetrics) RemoteSend()              {}
func (nopShuffleMetrics) LocalRecv()               {}
func (nopShuffleMetrics) RemoteRecv()              {}
func (nopShuffleMetrics) LocalSendBytes(int)       {}
func (nopShuffleMetrics) RemoteSendBytes(int)      {}
func (nopShuffleMetrics) LocalRecvBytes(int)       {}
func (nopShuffleMetrics) RemoteRecvBytes(int)      {}
func (nopShuffleMetrics) WriteError(string)        {}
func (nopShuffleMetrics) HandleError(string)       {}
func (nopShuffleMetrics) EpochStarted()            {}
func (nopShuffleMetrics) EpochEnded()              {}
func (nopShuffleMetrics) IQDepth(int, int)         {}
func (nopShuffleMetrics) HandoffInterval() metrics.Timer {
	return metrics.NopTimer()
}

// NopShuffleMetrics returns a no-op ShuffleMetrics implementation.
func NopShuffleMetrics() ShuffleMetrics { return nopShuffleMetrics{} }
