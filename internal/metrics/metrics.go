// Package metrics provides interfaces and implementations for collecting
// imap-login server metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording imap-login metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionEvicted()
	TLSStarted()

	// Authentication metrics, keyed by SASL mechanism ("LOGIN", "PLAIN", ...)
	AuthAttempt(mechanism string, success bool)

	// Command metrics
	CommandProcessed(command string)
	BadCommand()

	// IdleTimeout counts connections reaped by the idle sweep
	// (CLIENT_LOGIN_IDLE_TIMEOUT).
	IdleTimeout()

	// AuthServiceReconnect counts reconnects to the auth service.
	AuthServiceReconnect()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
