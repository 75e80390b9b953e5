// Package transport defines what the application runtime expects from a network
// transport plugin. Implementations live in subpackages.
package transport

// Transport is a network endpoint with an explicit lifecycle.
type Transport interface {
	// Start binds or dials and begins serving. It returns once the transport is ready.
	Start() error
	// Stop closes every connection and releases the transport's loops. It is idempotent.
	Stop() error
}
