// Package imaplogin implements the pre-authentication IMAP front-end:
// the per-connection state machine, command dispatcher, SASL driver and
// connection registry, grounded on the teacher's internal/pop3 session
// handling and internal/server connection model but generalized from
// POP3 framing to the IMAP subset legal before authentication.
package imaplogin

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/imap-login/internal/authclient"
	"github.com/infodancer/imap-login/internal/config"
	"github.com/infodancer/imap-login/internal/imapparser"
	"github.com/infodancer/imap-login/internal/ioconn"
	"github.com/infodancer/imap-login/internal/masterclient"
	"github.com/infodancer/imap-login/internal/metrics"
	"github.com/infodancer/imap-login/internal/tlsproxy"

	"github.com/emersion/go-sasl"
)

// Options bundles everything a Connection needs at creation time.
type Options struct {
	Config              config.Config
	Registry            *Registry
	AuthClient          *authclient.Client
	AuthTimeout         time.Duration
	MasterClient        *masterclient.Client
	TLSProxy            *tlsproxy.Proxy // nil if TLS support isn't compiled in (ssl_initialized false)
	TLSHandshakeTimeout time.Duration
	Collector           metrics.Collector
	Logger              *slog.Logger
	// TLSActiveAtAccept is true for implicit-TLS listeners (e.g. :993),
	// where the connection is already secured before the first byte.
	TLSActiveAtAccept bool
}

// Connection owns one client connection: its buffered I/O, parser state,
// refcount, and the small per-connection state machine of spec.md §3.
// Every Connection runs on its own goroutine (Serve); the registry and a
// handful of atomics are the only state shared across goroutines.
type Connection struct {
	conn    *ioconn.Conn
	rawConn net.Conn
	parser  *imapparser.Parser

	localAddr  string
	remoteAddr string

	tlsActive           bool
	tlsAvailable        bool
	tlsProxy            *tlsproxy.Proxy
	tlsHandshakeTimeout time.Duration

	cfg          config.Config
	registry     *Registry
	authClient   *authclient.Client
	authTimeout  time.Duration
	masterClient *masterclient.Client
	collector    metrics.Collector
	logger       *slog.Logger

	createdAt time.Time

	lastInputMu sync.Mutex
	lastInput   time.Time

	refcount    atomic.Int32
	destroyed   atomic.Bool
	destroyOnce sync.Once

	// cmdTag/cmdName/badCounter/authenticating are touched only by this
	// connection's own goroutine; no lock needed.
	cmdTag         string
	cmdName        string
	badCounter     int
	authenticating bool
}

// NewConnection wraps an accepted net.Conn. The returned Connection
// starts with a refcount of 1, owned by the caller (typically the
// accept loop, which then calls Serve; Serve releases that reference
// when it returns).
func NewConnection(conn net.Conn, opts Options) *Connection {
	ic := ioconn.New(conn)

	collector := opts.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	c := &Connection{
		conn:                ic,
		rawConn:             conn,
		localAddr:           conn.LocalAddr().String(),
		remoteAddr:          conn.RemoteAddr().String(),
		tlsActive:           opts.TLSActiveAtAccept,
		tlsAvailable:        opts.TLSProxy != nil,
		tlsProxy:            opts.TLSProxy,
		tlsHandshakeTimeout: opts.TLSHandshakeTimeout,
		cfg:                 opts.Config,
		registry:            opts.Registry,
		authClient:          opts.AuthClient,
		authTimeout:         opts.AuthTimeout,
		masterClient:        opts.MasterClient,
		collector:           collector,
		logger:              opts.Logger,
		createdAt:           time.Now(),
		lastInput:           time.Now(),
	}
	c.parser = imapparser.New(ic.Reader())
	c.refcount.Store(1)
	return c
}

// CreatedAt returns the connection's creation time, used by the registry
// to order oldest-eviction candidates.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastInput returns the time of the last byte read from the client,
// used by the idle sweep.
func (c *Connection) LastInput() time.Time {
	c.lastInputMu.Lock()
	defer c.lastInputMu.Unlock()
	return c.lastInput
}

func (c *Connection) touchInput() {
	c.lastInputMu.Lock()
	c.lastInput = time.Now()
	c.lastInputMu.Unlock()
}

// Ref takes an additional reference on the connection. External
// subsystems (here: none outlive the blocking call that holds them,
// since the Go implementation drives auth/master/TLS synchronously
// within the owning goroutine) call this if they need to retain a
// pointer past the call that created it.
func (c *Connection) Ref() { c.refcount.Add(1) }

// Unref releases a reference. When the count reaches zero the
// connection's underlying resources are known unreachable from any
// caller and eligible for collection.
func (c *Connection) Unref() {
	if c.refcount.Add(-1) == 0 {
		c.rawConn.Close()
	}
}

// Destroyed reports whether Destroy has been called.
func (c *Connection) Destroyed() bool { return c.destroyed.Load() }

// Destroy idempotently tears the connection down: marks it destroyed,
// removes it from the registry, flushes any output already buffered, and
// closes the transport. It writes no line of its own; callers that owe
// the client a "* BYE" line must send it before calling Destroy (or call
// DestroyWithBye).
func (c *Connection) Destroy(reason string) {
	c.destroyOnce.Do(func() {
		c.destroyed.Store(true)
		c.registry.Remove(c)
		_ = c.conn.Flush()
		_ = c.rawConn.Close()
		if c.logger != nil {
			if reason != "" {
				c.logger.Info("connection destroyed", "remote", c.remoteAddr, "reason", reason)
			} else {
				c.logger.Info("connection destroyed", "remote", c.remoteAddr)
			}
		}
	})
}

// DestroyWithBye sends "* BYE <wireMsg>" (best-effort; a failed write is
// not fatal since the connection is going away regardless) and then
// destroys the connection, logging logReason.
func (c *Connection) DestroyWithBye(logReason, wireMsg string) {
	_ = c.sendLine("* BYE " + wireMsg)
	c.Destroy(logReason)
}

// secured reports whether the channel is believed confidential: TLS is
// active, or the peer is loopback (spec.md glossary "Secured").
func (c *Connection) secured() bool {
	return c.tlsActive || isLoopback(c.remoteAddr)
}

// legalMechs returns the SASL mechanisms the driver will accept given
// the current security state.
func (c *Connection) legalMechs() []string {
	if c.secured() || !c.cfg.DisablePlaintextAuth {
		return []string{sasl.Plain, sasl.Login}
	}
	return nil
}

// capabilities computes the capability string tokens at send time so it
// always reflects the current tls/secured state (spec.md §4.2).
func (c *Connection) capabilities() []string {
	caps := []string{"IMAP4rev1"}
	if c.tlsAvailable && !c.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	if c.cfg.DisablePlaintextAuth && !c.secured() {
		caps = append(caps, "LOGINDISABLED")
	}
	for _, m := range c.legalMechs() {
		caps = append(caps, "AUTH="+m)
	}
	return caps
}

func (c *Connection) sendLine(s string) error {
	if err := c.conn.WriteLine(s); err != nil {
		c.Destroy(ReasonTransport)
		return err
	}
	return nil
}

func (c *Connection) sendTagged(tag, s string) error {
	if tag == "" {
		tag = "*"
	}
	return c.sendLine(tag + " " + s)
}

// sendTaggedContinue sends a tagged response and reports that the
// connection should keep pumping further commands.
func (c *Connection) sendTaggedContinue(tag, msg string) (bool, error) {
	if err := c.sendTagged(tag, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Connection) sendGreeting() error {
	greeting := c.cfg.Greeting
	if c.cfg.GreetingCapability {
		greeting = "[CAPABILITY " + strings.Join(c.capabilities(), " ") + "] " + greeting
	}
	return c.sendLine("* OK " + greeting)
}

// Serve drives the connection until it is destroyed or a read or write
// fails. ctx bounds the wait for the auth service and the TLS and SASL
// exchanges; it does not interrupt a read of the next command.
// The caller owns the reference that Serve releases on return.
func (c *Connection) Serve(ctx context.Context) {
	defer c.Unref()

	if err := c.sendGreeting(); err != nil {
		return
	}

	for {
		if c.Destroyed() {
			return
		}
		if !c.registry.authServiceUp() {
			if err := c.sendLine("* OK Waiting for authentication process to respond.."); err != nil {
				return
			}
			if err := c.registry.waitForAuthService(ctx); err != nil {
				c.Destroy("")
				return
			}
		}

		c.conn.Cork()
		cont, err := c.runOneCommand(ctx)
		if uerr := c.conn.Uncork(); err == nil {
			err = uerr
		}
		if err != nil || !cont {
			return
		}
	}
}

// runOneCommand parses and dispatches exactly one command. Because this
// implementation blocks on I/O rather than returning "need more data" to
// an event loop (spec.md §4.1/§4.2's original contract for a
// single-threaded reactor), a full command's tag, name and arguments are
// read and dispatched within a single call. The cmdTag/cmdName fields
// record the command being dispatched and are overwritten by the next
// one; sendTagged takes the tag as an argument.
func (c *Connection) runOneCommand(ctx context.Context) (bool, error) {
	c.parser.Reset()

	tag, err := c.parser.ReadWord()
	if err != nil {
		return c.handleLineError(err, "")
	}
	c.touchInput()
	name, err := c.parser.ReadWord()
	if err != nil {
		return c.handleLineError(err, tag)
	}
	args, err := c.parser.ReadArgs(0)
	if err != nil {
		return c.handleLineError(err, tag)
	}
	if err := consumeCRLF(c.parser.Reader()); err != nil {
		c.DestroyWithBye("", err.Error())
		return false, err
	}

	if tag == "" {
		return c.badCommand("*", "Error in IMAP command received by server.")
	}

	c.cmdTag = tag
	c.cmdName = strings.ToUpper(name)
	return c.dispatch(ctx, c.cmdTag, c.cmdName, args)
}

func (c *Connection) handleLineError(err error, tag string) (bool, error) {
	if err == imapparser.ErrEndOfLine {
		_ = imapparser.SkipToLF(c.parser.Reader())
		return c.badCommand(emptyTagOr(tag), "Error in IMAP command received by server.")
	}
	if perr, ok := err.(*imapparser.ParseError); ok {
		if perr.Fatal {
			c.DestroyWithBye("", perr.Msg)
			return false, err
		}
		_ = imapparser.SkipToLF(c.parser.Reader())
		return c.badCommand(emptyTagOr(tag), perr.Msg)
	}
	// Transport error (EOF, read error, deadline exceeded): the
	// connection is gone, nothing more to send.
	c.Destroy(ReasonTransport)
	return false, err
}

func emptyTagOr(tag string) string {
	if tag == "" {
		return "*"
	}
	return tag
}

// badCommand replies "<tag> BAD <msg>", counts it against the
// CLIENT_MAX_BAD_COMMANDS budget, and destroys the connection once the
// budget is exhausted (spec.md §4.2 step 7).
func (c *Connection) badCommand(tag, msg string) (bool, error) {
	if c.badCounter >= MaxBadCommands {
		c.DestroyWithBye("", "Too many invalid IMAP commands.")
		return false, nil
	}
	if err := c.sendTagged(tag, "BAD "+msg); err != nil {
		return false, err
	}
	c.collector.BadCommand()
	c.badCounter++
	return true, nil
}

func consumeCRLF(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == '\r' {
		if b, err = r.ReadByte(); err != nil {
			return err
		}
	}
	if b != '\n' {
		return fmt.Errorf("malformed command line terminator")
	}
	return nil
}

// readRawLine reads one CRLF-terminated line outside the IMAP tokenizer
// (used for raw SASL continuation responses), capped at MaxInbufSize the
// same way imapparser caps a command line: a line that never terminates
// within the bound is a protocol violation, not a parse error, so it is
// reported like any other transport failure (spec.md §4.4).
func (c *Connection) readRawLine() (string, error) {
	r := c.parser.Reader()
	var buf []byte
	for {
		if len(buf) >= ioconn.MaxInbufSize {
			return "", fmt.Errorf("raw input line exceeds MAX_INBUF_SIZE")
		}
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
	}
	return strings.TrimRight(string(buf), "\r"), nil
}

func argText(a imapparser.Arg) string {
	switch a.Kind {
	case imapparser.KindAtom:
		return a.Atom
	case imapparser.KindString:
		return string(a.Str)
	default:
		return ""
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(hostOnly(addr))
	return ip != nil && ip.IsLoopback()
}

// connFile extracts the underlying file descriptor for the master
// handoff (spec.md §6.4). Supported transports: plain TCP and
// crypto/tls (after STARTTLS or on an implicit-TLS listener).
func connFile(nc net.Conn) (*os.File, error) {
	switch v := nc.(type) {
	case *net.TCPConn:
		return v.File()
	case *tls.Conn:
		return connFile(v.NetConn())
	default:
		return nil, ErrNoFileDescriptor
	}
}
