package imaplogin

import "errors"

// Disconnect reasons, written to the log when a connection is destroyed.
// The "* BYE" text sent to the client is passed separately to
// DestroyWithBye. An empty reason means a quiet shutdown
// (spec.md §4.5, destroy_all).
const (
	ReasonQueueFull    = "connection queue full"
	ReasonIdle         = "idle timeout"
	ReasonAbortedLogin = "Aborted login"
	ReasonTransport    = "Disconnected"
)

// MaxBadCommands is CLIENT_MAX_BAD_COMMANDS from spec.md §4.2 step 7.
const MaxBadCommands = 10

// ErrNoFileDescriptor is returned when the master handoff needs the
// underlying socket's file descriptor and the connection type does not
// expose one.
var ErrNoFileDescriptor = errors.New("imaplogin: connection exposes no file descriptor")
