package client

import "fmt"

// ConfigError reports a malformed caller-supplied configuration: a bad host
// string, an oversize queue name, or an unknown priority constant. It is
// always returned synchronously from the call that introduced it.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "risq: config: " + e.Msg }

func newConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports a connect refusal, connect failure, read EOF, or
// other unrecoverable socket error. It is handled internally by the
// connection's closed-path; the application only observes it indirectly via
// Subscription.OnDropped or a Message's fail handler.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("risq: transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ProtocolError reports a required record field missing at a terminal
// command, an UNDELIVERED from the controller, or receipt of a reserved or
// unrecognised command. Protocol errors never crash the process; the
// connection that raised one is unregistered via the closed-path.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "risq: protocol: " + e.Msg }

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// StateError reports caller misuse: replying to an outbound message,
// sending an inbound one, double-sending, and similar precondition
// violations the source library enforced with assertions.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return "risq: state: " + e.Msg }

func newStateError(format string, args ...interface{}) *StateError {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}
