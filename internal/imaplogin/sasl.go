package imaplogin

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/infodancer/imap-login/internal/authclient"

	"github.com/emersion/go-sasl"
)

// plainInitialResponse builds the SASL PLAIN initial response LOGIN sends
// to the auth service on the user's behalf, via go-sasl's client-side
// PLAIN codec rather than hand-assembling the "\0user\0pass" wire format
// (spec.md §4.4 "LOGIN ... initiate an auth request with mechanism
// PLAIN-equivalent credentials").
func plainInitialResponse(user, pass string) ([]byte, error) {
	_, ir, err := sasl.NewPlainClient("", user, pass).Start()
	return ir, err
}

func decodeSASLResponse(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeSASLChallenge(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// authenticate drives one LOGIN or AUTHENTICATE exchange against the
// auth-service client, grounded on the teacher's authCommand.Execute /
// processSASLStep (internal/pop3/auth_commands.go) but generalized from
// a local AuthProvider callback to the out-of-process auth-service wire
// protocol (SPEC_FULL.md §6.2). irPresent distinguishes "no initial
// response was supplied" (AUTHENTICATE with no second argument, which
// must always get back at least one server challenge) from "an empty
// initial response was supplied" (ir non-nil but zero length).
func (c *Connection) authenticate(ctx context.Context, tag, mech string, ir []byte, irPresent bool) (bool, error) {
	c.authenticating = true
	defer func() { c.authenticating = false }()

	req := authclient.Request{
		Mechanism: mech,
		Secured:   c.secured(),
		ClientIP:  hostOnly(c.remoteAddr),
		LocalIP:   hostOnly(c.localAddr),
	}
	if irPresent {
		req.InitialResponse = ir
	}

	authCtx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	ex, step, err := c.authClient.Start(authCtx, req)
	if err != nil {
		c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
		return false, err
	}
	defer ex.Close()

	for {
		switch v := step.(type) {
		case authclient.Continuation:
			if err := c.sendLine("+ " + encodeSASLChallenge(v.Challenge)); err != nil {
				return false, err
			}
			if err := c.conn.Flush(); err != nil {
				c.Destroy(ReasonTransport)
				return false, err
			}

			line, err := c.readRawLine()
			if err != nil {
				c.Destroy(ReasonTransport)
				return false, err
			}
			if line == "*" {
				_ = c.sendTagged(tag, "BAD Authentication aborted")
				return true, nil
			}

			resp, err := decodeSASLResponse(line)
			if err != nil {
				_ = c.sendTagged(tag, "BAD Invalid base64 response")
				return true, nil
			}
			step, err = ex.Continue(resp)
			if err != nil {
				c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
				return false, err
			}

		case authclient.Result:
			c.collector.AuthAttempt(mech, v.OK)
			if !v.OK {
				// Deliberately uniform between "bad user" and "bad
				// password" to prevent account enumeration (spec.md §7).
				_ = c.sendTagged(tag, "NO Authentication failed.")
				return true, nil
			}
			return c.handoff(tag, v)

		default:
			c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
			return false, fmt.Errorf("imaplogin: unexpected auth step %T", v)
		}
	}
}

// handoff transfers the authenticated connection's file descriptor and
// the authenticated user name to the post-login master process (spec.md
// §4.4 "Master handoff reply"). The credential blob returned by the auth
// service is not forwarded.
func (c *Connection) handoff(tag string, result authclient.Result) (bool, error) {
	f, err := connFile(c.rawConn)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("cannot extract file descriptor for master handoff", "user", result.User, "error", err.Error())
		}
		c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
		return false, err
	}
	defer f.Close()

	if err := c.masterClient.Handoff(f, result.User); err != nil {
		if c.logger != nil {
			c.logger.Error("master handoff failed", "user", result.User, "error", err.Error())
		}
		c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
		return false, err
	}

	_ = c.sendTagged(tag, "OK Logged in.")
	c.Destroy("")
	return false, nil
}
