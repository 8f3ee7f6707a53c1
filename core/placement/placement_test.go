package placement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_InvalidWorld(t *testing.T) {
	_, err := New(Options{Protocol: StaticModulo, WorldSize: 0})
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNew_UnknownProtocol(t *testing.T) {
	_, err := New(Options{Protocol: "bogus", WorldSize: 4})
	require.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestStaticModulo_Deterministic(t *testing.T) {
	p1, err := New(Options{Protocol: StaticModulo, WorldSize: 16})
	require.NoError(t, err)
	p2, err := New(Options{Protocol: StaticModulo, WorldSize: 16})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		id := []byte{byte(i), byte(i >> 8)}
		require.Equal(t, p1.Target(id), p2.Target(id))
		require.GreaterOrEqual(t, p1.Target(id), 0)
		require.Less(t, p1.Target(id), 16)
	}
}

func TestRingProtocols_Deterministic(t *testing.T) {
	for _, proto := range []Protocol{HashLookup3, XOR, Ring} {
		t.Run(string(proto), func(t *testing.T) {
			p1, err := New(Options{Protocol: proto, WorldSize: 8, Seed: "s"})
			require.NoError(t, err)
			p2, err := New(Options{Protocol: proto, WorldSize: 8, Seed: "s"})
			require.NoError(t, err)

			for i := 0; i < 300; i++ {
				id := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
				require.Equal(t, p1.Target(id), p2.Target(id))
			}
		})
	}
}

func TestSingleWorld_AlwaysZero(t *testing.T) {
	for _, proto := range []Protocol{StaticModulo, Ring} {
		p, err := New(Options{Protocol: proto, WorldSize: 1})
		require.NoError(t, err)
		require.Equal(t, 0, p.Target([]byte("anything")))
	}
}

func TestBypassTarget_MatchesStaticModuloShape(t *testing.T) {
	id := []byte{1, 2, 3, 4}
	r1 := BypassTarget(id, 32)
	r2 := BypassTarget(id, 32)
	require.Equal(t, r1, r2)
	require.GreaterOrEqual(t, r1, 0)
	require.Less(t, r1, 32)
}

func TestRegistry_DedupesBuilds(t *testing.T) {
	reg := NewRegistry()
	opts := Options{Protocol: Ring, WorldSize: 4, Seed: "x"}

	p1, err := reg.NewPlacer(opts)
	require.NoError(t, err)
	p2, err := reg.NewPlacer(opts)
	require.NoError(t, err)

	require.Same(t, p1, p2)
}

func TestRegistry_ConcurrentBuildsShareOnePlacer(t *testing.T) {
	reg := NewRegistry()
	opts := Options{Protocol: HashLookup3, WorldSize: 6, Seed: "concurrent"}

	const n = 50
	results := make(chan Placer, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := reg.NewPlacer(opts)
			require.NoError(t, err)
			results <- p
		}()
	}

	first := <-results
	for i := 1; i < n; i++ {
		require.Same(t, first, <-results)
	}
}
