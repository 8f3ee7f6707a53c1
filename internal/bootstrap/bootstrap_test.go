package bootstrap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_OSAssignedPortFallback(t *testing.T) {
	ep, err := Resolve(Options{}, 0, 1)
	require.NoError(t, err)
	defer ep.Listener.Close()

	require.NotZero(t, ep.Port)
	require.True(t, strings.HasPrefix(ep.URI, "tcp://"))
}

func TestResolve_EmptyPortRangeIsConfigError(t *testing.T) {
	_, err := Resolve(Options{MinPort: 9000, MaxPort: 8000}, 0, 1)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestResolve_RankOutOfRangeIsConfigError(t *testing.T) {
	_, err := Resolve(Options{}, 3, 2)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestResolve_MinEqualsMaxTriesOnePort(t *testing.T) {
	first, err := Resolve(Options{}, 0, 1)
	require.NoError(t, err)
	defer first.Listener.Close()

	// Reusing the exact port that's already bound must fall back to an
	// OS-assigned port rather than erroring.
	ep, err := Resolve(Options{MinPort: first.Port, MaxPort: first.Port}, 0, 1)
	require.NoError(t, err)
	defer ep.Listener.Close()
	require.NotEqual(t, first.Port, ep.Port)
}

func TestResolve_CustomProto(t *testing.T) {
	ep, err := Resolve(Options{Proto: "shm"}, 0, 1)
	require.NoError(t, err)
	defer ep.Listener.Close()
	require.True(t, strings.HasPrefix(ep.URI, "shm://"))
}

func TestOptionsFromEnv_ReadsAllFourVars(t *testing.T) {
	t.Setenv("SHUFFLE_Mercury_proto", "ofi+tcp")
	t.Setenv("SHUFFLE_Subnet", "10.0")
	t.Setenv("SHUFFLE_Min_port", "20000")
	t.Setenv("SHUFFLE_Max_port", "20100")

	opts := OptionsFromEnv()
	require.Equal(t, Options{Proto: "ofi+tcp", Subnet: "10.0", MinPort: 20000, MaxPort: 20100}, opts)
}

func TestOptionsFromEnv_Defaults(t *testing.T) {
	require.Equal(t, Options{Proto: "tcp"}, OptionsFromEnv())
}
