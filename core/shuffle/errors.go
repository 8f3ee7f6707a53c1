package shuffle

import "fmt"

// ConfigError reports a fatal startup condition: bad env value, unknown
// placement protocol, zero id size, envelope overflow, empty interface
// list, empty port range.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shuffle: config error: %s: %v", e.Reason, e.Err)
	}
	return "shuffle: config error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProtocolError reports a runtime record whose shape disagrees with
// the configured envelope, or a malformed envelope on receive. Fatal:
// indicates a caller bug, not a transient failure.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shuffle: protocol error: %s: %v", e.Reason, e.Err)
	}
	return "shuffle: protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateError reports a Write attempted outside the Started stage. Fatal.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "shuffle: state error: " + e.Reason }

// TransportError wraps a failure surfaced by the Transport collaborator
// (enqueue failure, connection loss, epoch signal failure). The
// dispatcher propagates it to the caller without retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "shuffle: transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
