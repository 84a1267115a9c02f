// Package tlsproxy stands in for the external "TLS proxy" process that
// spec.md's design assumes sits in front of imap-login. Where the
// original hands a connection's fd to a separate proxy and gets back a
// new plaintext fd, this in-process equivalent performs the handshake
// directly with crypto/tls and hands back the resulting net.Conn —
// same contract (plaintext in, TLS-terminated connection out), minus
// the fd round-trip a second process would require.
package tlsproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Proxy terminates TLS on behalf of connections that negotiate
// encryption, whether via an implicit-TLS listener or STARTTLS.
type Proxy struct {
	config *tls.Config
}

// New creates a Proxy using the given server-side TLS configuration.
// cfg must not be nil; callers should check configuration before
// advertising STARTTLS or binding an implicit-TLS listener.
func New(cfg *tls.Config) *Proxy {
	return &Proxy{config: cfg}
}

// Upgrade performs a server-side TLS handshake over conn and returns the
// resulting *tls.Conn. The handshake is bounded by the given timeout;
// exceeding it is treated as a fatal connection error by the caller, per
// spec.md's "TLS handshake timeout" policy.
func (p *Proxy) Upgrade(ctx context.Context, conn net.Conn, timeout time.Duration) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, p.config)

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("tlsproxy: set handshake deadline: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return nil, fmt.Errorf("tlsproxy: handshake: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("tlsproxy: clear handshake deadline: %w", err)
	}

	return tlsConn, nil
}

// ConnectionState returns the negotiated TLS state of conn.
func ConnectionState(conn *tls.Conn) tls.ConnectionState {
	return conn.ConnectionState()
}
