// Package ring implements a consistent-hashing ring with virtual
// nodes: a key is hashed to a 64-bit position and mapped to the
// closest virtual node walking clockwise, so membership changes only
// reshuffle a small fraction of keys.
package ring

import (
	"sort"
	"strconv"

	"github.com/sakjain92/vpic-shuffle/internal/xxh"
)

// point is one virtual node's fixed position on the ring.
type point struct {
	pos  uint64
	rank int
}

// Ring maps arbitrary keys to one of W ranks via W*v virtual points
// placed on a 64-bit ring, keyed by xxhash64. It is immutable after
// New.
type Ring struct {
	points []point // sorted by pos
	world  int
	seed   string
}

// New builds a ring for world ranks [0,W) with v virtual points per
// rank. seed personalizes point placement so independently-seeded
// rings never agree by accident.
func New(world int, v int, seed string) *Ring {
	if world <= 0 {
		return &Ring{world: world, seed: seed}
	}
	if v <= 0 {
		v = 1
	}
	pts := make([]point, 0, world*v)
	for r := 0; r < world; r++ {
		for vn := 0; vn < v; vn++ {
			id := seed + "#" + strconv.Itoa(r) + "#" + strconv.Itoa(vn)
			pts = append(pts, point{pos: xxh.Sum64String(id), rank: r})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].pos < pts[j].pos })
	return &Ring{points: pts, world: world, seed: seed}
}

// Closest returns the rank owning key: xxhash64(key) is mapped to the
// first virtual point at or after that position, wrapping around to
// the first point on the ring if key falls after the last one.
func (r *Ring) Closest(key []byte) int {
	if r.world <= 0 || len(r.points) == 0 {
		return 0
	}
	pos := xxh.Sum64(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].pos >= pos })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].rank
}
