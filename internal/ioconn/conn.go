// Package ioconn provides the buffered, corkable connection wrapper used
// by imap-login's per-connection goroutines, including the stream
// rebuild required after an in-band STARTTLS upgrade.
package ioconn

import (
	"bufio"
	"net"
	"sync"
)

// MaxInbufSize bounds the buffered input per connection (MAX_INBUF_SIZE).
const MaxInbufSize = 4096

// MaxOutbufSize bounds the buffered output per connection (MAX_OUTBUF_SIZE).
const MaxOutbufSize = 4096

// Conn wraps a net.Conn with buffered, corkable I/O. A command handler
// writes multiple lines without flushing ("corking"); the dispatcher
// uncorks once per input event, exactly as a single-threaded event loop
// would batch output before returning to select/poll.
type Conn struct {
	net.Conn

	mu     sync.Mutex
	r      *bufio.Reader
	w      *bufio.Writer
	corked bool
}

// New wraps conn with buffered reader/writer sized to the connection's
// input/output limits.
func New(conn net.Conn) *Conn {
	return &Conn{
		Conn: conn,
		r:    bufio.NewReaderSize(conn, MaxInbufSize),
		w:    bufio.NewWriterSize(conn, MaxOutbufSize),
	}
}

// Reader returns the buffered reader, e.g. for handing to imapparser.New.
func (c *Conn) Reader() *bufio.Reader { return c.r }

// Cork suppresses automatic flushing; writes accumulate in the output
// buffer until Uncork is called.
func (c *Conn) Cork() {
	c.mu.Lock()
	c.corked = true
	c.mu.Unlock()
}

// Uncork flushes any buffered output and resumes auto-flush.
func (c *Conn) Uncork() error {
	c.mu.Lock()
	c.corked = false
	c.mu.Unlock()
	return c.Flush()
}

// WriteLine writes s plus a CRLF terminator, flushing immediately unless
// the connection is corked.
func (c *Conn) WriteLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.WriteString(s); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	if c.corked {
		return nil
	}
	return c.w.Flush()
}

// Flush forces any buffered output to the underlying connection.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Flush()
}

// Rebuild replaces the underlying net.Conn (and its buffers) with newConn,
// discarding anything left in the old read/write buffers. This is used
// after a STARTTLS handshake: the plaintext buffers must never leak into
// the encrypted stream, and any bytes the client pipelined past the
// STARTTLS response are deliberately dropped per the connection's
// lifecycle rules rather than replayed through the new stream.
func (c *Conn) Rebuild(newConn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn = newConn
	c.r = bufio.NewReaderSize(newConn, MaxInbufSize)
	c.w = bufio.NewWriterSize(newConn, MaxOutbufSize)
	c.corked = false
}
