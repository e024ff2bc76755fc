package client

// Reactor is the readiness-notification source a Client is driven by. An
// implementation (see transport.EpollReactor) owns the actual polling
// mechanism; the Client only ever registers or unregisters interest and
// reacts to callbacks, never blocks on I/O itself.
type Reactor interface {
	// RegisterConnect arms a notification for fd becoming writable, which
	// is how a non-blocking connect completes. It stays armed until
	// UnregisterConnect; the Client unregisters it in the first callback.
	RegisterConnect(fd int, cb func()) error
	UnregisterConnect(fd int) error

	// RegisterRead arms a level-triggered notification for fd becoming
	// readable. cb is invoked every time data (or EOF) is available.
	RegisterRead(fd int, cb func()) error
	UnregisterRead(fd int) error

	// RegisterWrite arms a level-triggered notification for fd becoming
	// writable. Callers unregister it once their outbound buffer drains.
	RegisterWrite(fd int, cb func()) error
	UnregisterWrite(fd int) error
}
