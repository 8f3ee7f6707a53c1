package placement

import "errors"

// ConfigError conditions are fatal at startup: unknown protocol, invalid
// world size. Callers should abort the process rather than retry.
var (
	ErrUnknownProtocol = errors.New("placement: unknown protocol")
	ErrInvalidWorld    = errors.New("placement: world size must be >= 1")
)

// ConfigError wraps a construction-time failure with the offending
// protocol name, so callers can log it without re-parsing the message.
type ConfigError struct {
	Protocol string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Protocol == "" {
		return "placement: config error: " + e.Err.Error()
	}
	return "placement: config error for protocol " + e.Protocol + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }
