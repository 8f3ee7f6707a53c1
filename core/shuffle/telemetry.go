package shuffle

import "sync"

// telemetryCapacity bounds the sampled-id ring buffer so a long-running
// epoch with sampling enabled can't grow this unbounded.
const telemetryCapacity = 4096

// Telemetry holds diagnostic state that isn't part of the epoch
// counters: a rolling sample of ids seen by Write, useful for offline
// inspection of a live job without touching the hot path on every
// call. Off by default (Config.Testing.SampleRate == 0).
type Telemetry struct {
	mu    sync.Mutex
	ids   [][]byte
	next  int
	count int
}

func newTelemetry() *Telemetry {
	return &Telemetry{ids: make([][]byte, telemetryCapacity)}
}

// record appends id to the ring buffer, evicting the oldest entry once
// full.
func (t *Telemetry) record(id []byte) {
	cp := append([]byte(nil), id...)
	t.mu.Lock()
	t.ids[t.next] = cp
	t.next = (t.next + 1) % telemetryCapacity
	if t.count < telemetryCapacity {
		t.count++
	}
	t.mu.Unlock()
}

// SampledIDs returns a snapshot of every id currently held in the ring
// buffer, oldest first.
func (t *Telemetry) SampledIDs() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, 0, t.count)
	if t.count < telemetryCapacity {
		out = append(out, t.ids[:t.count]...)
		return out
	}
	out = append(out, t.ids[t.next:]...)
	out = append(out, t.ids[:t.next]...)
	return out
}
