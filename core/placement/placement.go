// Package placement provides the deterministic id-to-rank mapping the
// shuffle layer routes records with. A Placer is stateless with respect
// to writes: target(id) depends only on the bytes of id and the Placer's
// construction-time configuration, so every rank in a job computes the
// same destination for the same id without coordination.
package placement

import (
	"fmt"

	"github.com/sakjain92/vpic-shuffle/internal/ring"
	"github.com/sakjain92/vpic-shuffle/internal/xxh"
)

// Protocol names a routing algorithm. StaticModulo is the cheapest;
// HashLookup3, XOR, and Ring all resolve to a consistent-hashing ring
// with virtual nodes, distinguished only by the seed material fed into
// the ring construction. Kept as a separate code path from
// BypassTarget on purpose: bypass placement always uses the plain
// modulo regardless of the configured protocol.
type Protocol string

const (
	StaticModulo Protocol = "static_modulo"
	HashLookup3  Protocol = "hash_lookup3"
	XOR          Protocol = "xor"
	Ring         Protocol = "ring"
)

// DefaultVirtualFactor is used when Options.VirtualFactor is zero.
const DefaultVirtualFactor = 21

// Placer maps record ids to destination ranks in [0, World).
type Placer interface {
	// Target returns the destination rank for id. Pure function of id and
	// the Placer's construction-time state; identical across all ranks.
	Target(id []byte) int

	// World is the world size this Placer was built for.
	World() int
}

// Options configures Placer construction. An empty Seed is a valid
// default and produces a deterministic, seed-independent ring.
type Options struct {
	Protocol      Protocol
	WorldSize     int
	VirtualFactor int
	Seed          string
}

// New constructs a Placer for the given protocol. Fails with a
// *ConfigError if the protocol is unknown or WorldSize < 1 — both are
// fatal startup conditions.
func New(opts Options) (Placer, error) {
	if opts.WorldSize < 1 {
		return nil, &ConfigError{Protocol: string(opts.Protocol), Err: ErrInvalidWorld}
	}
	vf := opts.VirtualFactor
	if vf <= 0 {
		vf = DefaultVirtualFactor
	}

	switch opts.Protocol {
	case StaticModulo:
		return &moduloPlacer{world: opts.WorldSize}, nil
	case HashLookup3, XOR, Ring:
		// All three consistent-hashing variants share the same ring
		// construction; the protocol name only changes the seed
		// material mixed in, so switching between them under test
		// changes routing without changing the algorithm shape.
		seed := opts.Seed + "|" + string(opts.Protocol)
		return &ringPlacer{
			world: opts.WorldSize,
			ring:  ring.New(opts.WorldSize, vf, seed),
		}, nil
	default:
		return nil, &ConfigError{
			Protocol: string(opts.Protocol),
			Err:      fmt.Errorf("%w: %q", ErrUnknownProtocol, opts.Protocol),
		}
	}
}

// moduloPlacer implements StaticModulo: xxhash32(id) mod W (see
// internal/xxh.Sum32).
type moduloPlacer struct {
	world int
}

func (p *moduloPlacer) Target(id []byte) int {
	if p.world <= 1 {
		return 0
	}
	return int(xxh.Sum32(id) % uint32(p.world))
}

func (p *moduloPlacer) World() int { return p.world }

// ringPlacer implements HashLookup3/XOR/Ring via internal/ring's
// consistent-hashing ring.
type ringPlacer struct {
	world int
	ring  *ring.Ring
}

func (p *ringPlacer) Target(id []byte) int {
	if p.world <= 1 {
		return 0
	}
	return p.ring.Closest(id)
}

func (p *ringPlacer) World() int { return p.world }

// BypassTarget computes the bypass-placement destination directly,
// without constructing a Placer: xxhash32(id) mod W. Used by the
// dispatcher when Config.BypassPlacement is set, independent of
// whichever Protocol the run is otherwise configured with.
func BypassTarget(id []byte, world int) int {
	if world <= 1 {
		return 0
	}
	return int(xxh.Sum32(id) % uint32(world))
}
