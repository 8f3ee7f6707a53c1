package placement

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry builds and caches Placers keyed by their construction
// parameters, de-duplicating concurrent builds of the same ring.
// Ring construction is O(World*VirtualFactor) and read-only once
// built, so caching it is a pure win when multiple ShuffleCtx
// instances in the same process (e.g. in tests that simulate several
// ranks) share a configuration.
type Registry struct {
	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]Placer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cache: make(map[string]Placer)}
}

// NewPlacer returns a Placer for opts, building it at most once even if
// called concurrently with identical opts from multiple goroutines.
func (r *Registry) NewPlacer(opts Options) (Placer, error) {
	key := fmt.Sprintf("%s|%d|%d|%s", opts.Protocol, opts.WorldSize, opts.VirtualFactor, opts.Seed)

	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		p, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}
		p, err := New(opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Placer), nil
}
