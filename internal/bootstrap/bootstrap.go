// Package bootstrap resolves a rank's transport endpoint: which
// network interface to advertise and which port to bind, driven by
// SHUFFLE_Subnet/SHUFFLE_Min_port/SHUFFLE_Max_port/SHUFFLE_Mercury_proto.
//
// There is no third-party analogue for interface enumeration and raw
// port probing in the reference stack; net.InterfaceAddrs/net.Listen
// are the only viable primitives, so this package is stdlib-only.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ConfigError marks a fatal, startup-only misconfiguration: bad env
// value, empty interface list, or an empty port range.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "bootstrap: config: " + e.Reason }

// Options configures endpoint resolution. Zero values fall back to
// platform defaults: empty Subnet matches any IPv4 interface; a
// MinPort/MaxPort of 0 means "probe an OS-assigned port only".
type Options struct {
	Proto   string // URI scheme, e.g. "tcp"
	Subnet  string // dotted-quad prefix match
	MinPort int
	MaxPort int
}

// Endpoint is a resolved, bound transport address.
type Endpoint struct {
	URI      string
	IP       net.IP
	Port     int
	Listener net.Listener
}

// OptionsFromEnv builds Options from SHUFFLE_Mercury_proto,
// SHUFFLE_Subnet, SHUFFLE_Min_port and SHUFFLE_Max_port, applying the
// same defaults Resolve would apply to a zero Options.
func OptionsFromEnv() Options {
	return Options{
		Proto:   getEnv("SHUFFLE_Mercury_proto", "tcp"),
		Subnet:  getEnv("SHUFFLE_Subnet", ""),
		MinPort: getEnvInt("SHUFFLE_Min_port", 0),
		MaxPort: getEnvInt("SHUFFLE_Max_port", 0),
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
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Resolve picks an interface IP matching opts.Subnet and probes for a
// free port starting at rank's offset into [MinPort,MaxPort], stepping
// by size. It falls back to an OS-assigned port if the whole range is
// exhausted, and binds the port before returning so the caller owns a
// live listener.
func Resolve(opts Options, rank, size int) (*Endpoint, error) {
	if size < 1 {
		return nil, &ConfigError{Reason: fmt.Sprintf("size must be >= 1, got %d", size)}
	}
	if rank < 0 || rank >= size {
		return nil, &ConfigError{Reason: fmt.Sprintf("rank %d out of range [0,%d)", rank, size)}
	}
	if opts.MinPort > opts.MaxPort {
		return nil, &ConfigError{Reason: fmt.Sprintf("empty port range [%d,%d]", opts.MinPort, opts.MaxPort)}
	}

	proto := opts.Proto
	if proto == "" {
		proto = "tcp"
	}

	ip, err := selectInterface(opts.Subnet)
	if err != nil {
		return nil, err
	}

	ln, port, err := probePort(ip, opts.MinPort, opts.MaxPort, rank, size)
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		URI:      fmt.Sprintf("%s://%s:%d", proto, ip.String(), port),
		IP:       ip,
		Port:     port,
		Listener: ln,
	}, nil
}

// selectInterface returns the first IPv4 address on the host whose
// string form has subnet as a prefix. An empty subnet matches the
// first non-loopback IPv4 address; if none is found, loopback.
func selectInterface(subnet string) (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, &ConfigError{Reason: "enumerate interfaces: " + err.Error()}
	}
	if len(addrs) == 0 {
		return nil, &ConfigError{Reason: "no network interfaces available"}
	}

	var fallback net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		if subnet != "" {
			if strings.HasPrefix(ip4.String(), subnet) {
				return ip4, nil
			}
			continue
		}
		if ip4.IsLoopback() {
			if fallback == nil {
				fallback = ip4
			}
			continue
		}
		return ip4, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, &ConfigError{Reason: fmt.Sprintf("no IPv4 interface matches subnet %q", subnet)}
}

// probePort tries min + rank mod (max-min+1), stepping by size, until
// a bind succeeds. If min==max==0 (an unconfigured range), or the
// range is exhausted, it falls back to an OS-assigned port.
func probePort(ip net.IP, min, max, rank, size int) (net.Listener, int, error) {
	if min == 0 && max == 0 {
		return listenAny(ip)
	}

	width := max - min + 1
	start := min + rank%width
	for port := start; port <= max; port += size {
		ln, err := net.Listen("tcp", net.JoinHostPort(ip.String(), fmt.Sprint(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return listenAny(ip)
}

func listenAny(ip net.IP) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return nil, 0, &ConfigError{Reason: "OS-assigned port bind failed: " + err.Error()}
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}
