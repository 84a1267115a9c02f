// Package authclient implements the out-of-process authentication
// service's wire protocol: one connection per in-flight authentication
// request, CRLF-terminated line records, modeled on the teacher's own
// authSignal format (internal/pop3/authsignal.go) rather than a
// generated RPC stub.
package authclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"
)

// ProtocolVersion is the only version this client speaks.
const ProtocolVersion = 1

// Request describes one authentication attempt forwarded to the auth
// service.
type Request struct {
	Mechanism       string // e.g. "PLAIN", "LOGIN"
	InitialResponse []byte // nil if none was supplied
	Secured         bool   // true if the connection is secured (TLS active or loopback peer)
	ClientIP        string
	LocalIP         string
}

// Continuation is a server-requested SASL challenge; the caller must
// supply the client's next response via (*Exchange).Continue.
type Continuation struct {
	Challenge []byte
}

// Result is returned once the auth service reaches a final verdict.
type Result struct {
	OK             bool
	User           string
	CredentialBlob []byte
	FailReason     string
}

// Client dials the auth service fresh for every request, matching
// spec.md's "auth client interface" contract: one connection per
// in-flight request, plus a separate control connection (see ControlConn)
// used only to detect reconnects.
type Client struct {
	network string
	address string
	timeout time.Duration
}

// New creates a Client. network is "tcp" or "unix".
func New(network, address string, timeout time.Duration) *Client {
	return &Client{network: network, address: address, timeout: timeout}
}

// Exchange represents one in-flight, possibly multi-round authentication
// request.
type Exchange struct {
	conn net.Conn
	r    *bufio.Reader
}

// Start opens a new connection to the auth service and sends the initial
// request record. It returns either a Result (authentication already
// concluded, e.g. a mechanism with no continuations) or a Continuation
// requiring a further round via Continue.
func (c *Client) Start(ctx context.Context, req Request) (*Exchange, any, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, nil, fmt.Errorf("authclient: dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	ir := "-"
	if req.InitialResponse != nil {
		ir = base64.StdEncoding.EncodeToString(req.InitialResponse)
	}
	secured := 0
	if req.Secured {
		secured = 1
	}
	lines := []string{
		fmt.Sprintf("AUTH %d", ProtocolVersion),
		"MECH:" + req.Mechanism,
		"IR:" + ir,
		fmt.Sprintf("SECURED:%d", secured),
		"CLIENTIP:" + req.ClientIP,
		"LOCALIP:" + req.LocalIP,
		"END",
	}
	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("authclient: write request: %w", err)
		}
	}

	ex := &Exchange{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
	step, err := ex.readStep()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ex, step, nil
}

// Continue sends the client's next SASL response and reads the auth
// service's next step.
func (e *Exchange) Continue(response []byte) (any, error) {
	encoded := base64.StdEncoding.EncodeToString(response)
	if _, err := e.conn.Write([]byte(encoded + "\r\n")); err != nil {
		return nil, fmt.Errorf("authclient: write continuation: %w", err)
	}
	return e.readStep()
}

// Close releases the per-request connection. Safe to call after a Result
// has already been observed.
func (e *Exchange) Close() error {
	return e.conn.Close()
}

func (e *Exchange) readStep() (any, error) {
	line, err := e.r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("authclient: read response: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, "CONT "):
		b64 := strings.TrimPrefix(line, "CONT ")
		challenge, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("authclient: decode CONT challenge: %w", err)
		}
		return Continuation{Challenge: challenge}, nil

	case strings.HasPrefix(line, "OK "):
		fields := strings.SplitN(strings.TrimPrefix(line, "OK "), " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("authclient: malformed OK line %q", line)
		}
		blob, err := base64.StdEncoding.DecodeString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("authclient: decode OK credential blob: %w", err)
		}
		return Result{OK: true, CredentialBlob: blob, User: fields[1]}, nil

	case strings.HasPrefix(line, "FAIL "):
		return Result{OK: false, FailReason: strings.TrimPrefix(line, "FAIL ")}, nil

	case strings.HasPrefix(line, "ERROR "):
		return nil, fmt.Errorf("authclient: auth service error: %s", strings.TrimPrefix(line, "ERROR "))

	default:
		return nil, fmt.Errorf("authclient: unexpected response line %q", line)
	}
}

// ControlConn is a long-lived connection used only to detect whether the
// auth service has dropped and come back, driving the connection
// registry's NotifyAuthReconnected signal (spec.md §4.5).
type ControlConn struct {
	client  *Client
	conn    net.Conn
	onEvent func(connected bool)
}

// NewControlConn creates a ControlConn that invokes onEvent(true) after
// each successful (re)connect and onEvent(false) when the control
// connection drops.
func NewControlConn(c *Client, onEvent func(connected bool)) *ControlConn {
	return &ControlConn{client: c, onEvent: onEvent}
}

// Run dials and redials the control connection until ctx is canceled.
// It sends nothing on the connection; it blocks reading from it and
// treats a read error or close as the peer disappearing.
func (cc *ControlConn) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		d := net.Dialer{Timeout: cc.client.timeout}
		conn, err := d.DialContext(ctx, cc.client.network, cc.client.address)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		cc.conn = conn
		if cc.onEvent != nil {
			cc.onEvent(true)
		}

		cc.watchUntilClosed(ctx, conn)

		if cc.onEvent != nil {
			cc.onEvent(false)
		}
	}
}

func (cc *ControlConn) watchUntilClosed(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}
