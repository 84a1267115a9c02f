// Package masterclient implements the post-login handoff to the master
// process: the authenticated connection's file descriptor is passed over
// a UNIX domain socket using SCM_RIGHTS ancillary data, alongside an
// authSignal-style record naming the protocol version and the
// authenticated user, grounded on internal/pop3/subprocess.go's fd
// layout and internal/pop3/authsignal.go's wire format.
package masterclient

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ProtocolVersion is the only version this client speaks.
const ProtocolVersion = 1

// Client hands off authenticated connections to the master process
// listening on a UNIX domain socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a Client targeting the master's UNIX domain socket.
func New(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Handoff connects to the master socket, passes connFile via SCM_RIGHTS
// together with an "AUTH <version>\r\nUSER:<user>\r\nEND\r\n" record,
// and waits for a single "OK" or "FAIL <reason>" reply. The caller must
// close its own copy of connFile after a successful handoff; the master
// now owns the fd.
func (c *Client) Handoff(connFile *os.File, user string) error {
	uconn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("masterclient: dial %s: %w", c.socketPath, err)
	}
	defer uconn.Close()

	unixConn, ok := uconn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("masterclient: %s did not yield a UnixConn", c.socketPath)
	}
	if err := unixConn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("masterclient: set deadline: %w", err)
	}

	record := fmt.Sprintf("AUTH %d\r\nUSER:%s\r\nEND\r\n", ProtocolVersion, user)
	oob := unix.UnixRights(int(connFile.Fd()))

	if _, _, err := unixConn.WriteMsgUnix([]byte(record), oob, nil); err != nil {
		return fmt.Errorf("masterclient: WriteMsgUnix: %w", err)
	}

	r := bufio.NewReader(unixConn)
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("masterclient: read reply: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == "OK":
		return nil
	case strings.HasPrefix(line, "FAIL "):
		return fmt.Errorf("masterclient: master rejected handoff: %s", strings.TrimPrefix(line, "FAIL "))
	default:
		return fmt.Errorf("masterclient: unexpected reply %q", line)
	}
}
