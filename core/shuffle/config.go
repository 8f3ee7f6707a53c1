package shuffle

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sakjain92/vpic-shuffle/core/placement"
)

// TransportKind selects between the point-to-point and multi-hop
// transport implementations.
type TransportKind string

const (
	NN TransportKind = "nn"
	XN TransportKind = "xn"
)

// Config is the immutable configuration a ShuffleCtx is built from.
// Once passed to New, none of these fields may change for the life of
// the context.
type Config struct {
	F, D, E int // envelope field widths

	PlacementProtocol placement.Protocol
	VirtualFactor     int

	RecvRadix int  // receiver-mask radix, [0,8]
	ForceRPC  bool // disable local-loopback fast path

	Transport      TransportKind
	FinalizePauseS int

	// BypassPlacement routes with placement.BypassTarget (plain
	// xxhash32 modulo) instead of constructing a Placer, independent
	// of PlacementProtocol.
	BypassPlacement bool

	// PreBarrier and PostBarrier request a collective barrier before
	// and/or after epoch.Controller.BeginEnd, for callers running under
	// stricter epoch-closure paranoia than the bare per-rank guarantee.
	PreBarrier  bool
	PostBarrier bool

	// Testing carries knobs the layer's own tests use (currently only
	// the telemetry sample rate) that a production deployment leaves at
	// their zero values.
	Testing TestingConfig
}

// TestingConfig groups test-only knobs so Config's production surface
// stays uncluttered by them.
type TestingConfig struct {
	SampleRate int // 1 in SampleRate writes are retained in Telemetry.SampledIDs; 0 disables sampling
}

// Validate checks the fixed-shape and range constraints that must
// hold before a ShuffleCtx can be built. Constructor failure here is
// a fatal startup abort.
func (c Config) Validate() error {
	if c.F <= 0 {
		return &ConfigError{Reason: "F (id size) must be > 0"}
	}
	if c.D < 0 || c.E < 0 {
		return &ConfigError{Reason: "D/E must be >= 0"}
	}
	if total := c.F + 1 + c.D + c.E; total > 255 {
		return &ConfigError{Reason: fmt.Sprintf("envelope size %d exceeds 255", total)}
	}
	if c.RecvRadix < 0 || c.RecvRadix > 8 {
		return &ConfigError{Reason: "SHUFFLE_Recv_radix must be in [0,8]"}
	}
	if c.Transport != NN && c.Transport != XN {
		return &ConfigError{Reason: fmt.Sprintf("unknown transport kind %q", c.Transport)}
	}
	if c.FinalizePauseS < 0 {
		return &ConfigError{Reason: "SHUFFLE_Finalize_pause must be >= 0"}
	}
	return nil
}

// ConfigFromEnv builds a Config from the SHUFFLE_* environment
// variables, applying platform defaults for anything unset. F, D and
// E have no environment variable (they are negotiated by the caller
// at init) and must be filled in by the caller after this returns.
func ConfigFromEnv() Config {
	transport := NN
	if getEnvBool("SHUFFLE_Use_multihop", false) {
		transport = XN
	}
	return Config{
		PlacementProtocol: placement.Protocol(getEnv("SHUFFLE_Placement_protocol", string(placement.StaticModulo))),
		VirtualFactor:     getEnvInt("SHUFFLE_Virtual_factor", placement.DefaultVirtualFactor),
		RecvRadix:         getEnvInt("SHUFFLE_Recv_radix", 0),
		ForceRPC:          getEnvBool("SHUFFLE_Force_rpc", false),
		Transport:         transport,
		FinalizePauseS:    getEnvInt("SHUFFLE_Finalize_pause", 0),
	}
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if v == "1" || strings.EqualFold(v, "true") {
		return true
	}
	if v == "0" || strings.EqualFold(v, "false") {
		return false
	}
	return fallback
}
