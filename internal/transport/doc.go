// Package transport defines the datagram transport consumed by the session
// coordinator.
//
// Implementations own socket I/O and expose only non-blocking operations:
// connection attempts resolve through later system packets delivered by
// Receive, never through a synchronous wait.
//
// Subpackages:
// - memnet: in-process hub used by tests and simulations
// - wsnet: websocket transport used by the daemon
package transport
