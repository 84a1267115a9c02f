package imaplogin

import (
	"context"
	"strings"

	"github.com/infodancer/imap-login/internal/imapparser"

	"github.com/emersion/go-sasl"
)

// dispatch routes a parsed command to its handler, case-insensitively,
// per spec.md §4.2 step 7. Unknown commands count against the
// bad-command budget.
func (c *Connection) dispatch(ctx context.Context, tag, name string, args []imapparser.Arg) (bool, error) {
	switch name {
	case "CAPABILITY":
		return c.cmdCapability(tag, args)
	case "NOOP":
		return c.cmdNoop(tag, args)
	case "LOGOUT":
		return c.cmdLogout(tag, args)
	case "STARTTLS":
		return c.cmdStartTLS(ctx, tag, args)
	case "LOGIN":
		return c.cmdLogin(ctx, tag, args)
	case "AUTHENTICATE":
		return c.cmdAuthenticate(ctx, tag, args)
	default:
		return c.badCommand(tag, "Error in IMAP command received by server.")
	}
}

func (c *Connection) cmdCapability(tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("CAPABILITY")
	if len(args) != 0 {
		return c.badCommand(tag, "CAPABILITY takes no arguments")
	}
	if err := c.sendLine("* CAPABILITY " + strings.Join(c.capabilities(), " ")); err != nil {
		return false, err
	}
	return c.sendTaggedContinue(tag, "OK Capability completed.")
}

func (c *Connection) cmdNoop(tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("NOOP")
	if len(args) != 0 {
		return c.badCommand(tag, "NOOP takes no arguments")
	}
	return c.sendTaggedContinue(tag, "OK NOOP completed.")
}

func (c *Connection) cmdLogout(tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("LOGOUT")
	if len(args) != 0 {
		return c.badCommand(tag, "LOGOUT takes no arguments")
	}
	_ = c.sendLine("* BYE Logging out")
	_ = c.sendTagged(tag, "OK Logout completed.")
	c.Destroy(ReasonAbortedLogin)
	return false, nil
}

func (c *Connection) cmdStartTLS(ctx context.Context, tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("STARTTLS")
	if len(args) != 0 {
		return c.badCommand(tag, "STARTTLS takes no arguments")
	}
	if c.authenticating {
		return c.badCommand(tag, "Error in IMAP command received by server.")
	}
	if c.tlsActive {
		return c.sendTaggedContinue(tag, "BAD TLS is already active.")
	}
	if !c.tlsAvailable {
		return c.sendTaggedContinue(tag, "BAD TLS support isn't enabled.")
	}

	if err := c.sendTagged(tag, "OK Begin TLS negotiation now."); err != nil {
		return false, err
	}
	if err := c.conn.Flush(); err != nil {
		c.Destroy(ReasonTransport)
		return false, err
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.tlsHandshakeTimeout)
	defer cancel()
	tlsConn, err := c.tlsProxy.Upgrade(hsCtx, c.rawConn, c.tlsHandshakeTimeout)
	if err != nil {
		c.DestroyWithBye("", "TLS initialization failed.")
		return false, err
	}

	// Stream rebuild: the parser and buffers are discarded, not carried
	// across. Any bytes the client pipelined past STARTTLS are a
	// protocol violation and are dropped along with the old buffers
	// (spec.md §4.3, §9 "Stream rebuild on STARTTLS").
	c.rawConn = tlsConn
	c.conn.Rebuild(tlsConn)
	c.parser = imapparser.New(c.conn.Reader())
	c.tlsActive = true
	c.collector.TLSStarted()
	return true, nil
}

func (c *Connection) cmdLogin(ctx context.Context, tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("LOGIN")
	if c.authenticating {
		return c.badCommand(tag, "Error in IMAP command received by server.")
	}
	if len(args) != 2 || args[0].Kind == imapparser.KindList || args[1].Kind == imapparser.KindList {
		return c.badCommand(tag, "LOGIN requires a user and a password")
	}

	if !c.secured() && c.cfg.DisablePlaintextAuth {
		return c.sendTaggedContinue(tag, "NO Plaintext authentication disabled.")
	}

	user := argText(args[0])
	pass := argText(args[1])
	ir, err := plainInitialResponse(user, pass)
	if err != nil {
		c.DestroyWithBye("", "Internal login failure. Refer to server log for more information.")
		return false, err
	}
	return c.authenticate(ctx, tag, sasl.Plain, ir, true)
}

func (c *Connection) cmdAuthenticate(ctx context.Context, tag string, args []imapparser.Arg) (bool, error) {
	c.collector.CommandProcessed("AUTHENTICATE")
	if c.authenticating {
		return c.badCommand(tag, "Error in IMAP command received by server.")
	}
	if len(args) < 1 || len(args) > 2 || args[0].Kind == imapparser.KindList {
		return c.badCommand(tag, "AUTHENTICATE requires a mechanism")
	}

	mech := strings.ToUpper(argText(args[0]))
	legal := false
	for _, m := range c.legalMechs() {
		if m == mech {
			legal = true
			break
		}
	}
	if !legal {
		return c.sendTaggedContinue(tag, "NO Unsupported authentication mechanism.")
	}

	if len(args) == 1 {
		return c.authenticate(ctx, tag, mech, nil, false)
	}

	raw := argText(args[1])
	if raw == "=" {
		return c.authenticate(ctx, tag, mech, []byte{}, true)
	}
	ir, err := decodeSASLResponse(raw)
	if err != nil {
		return c.badCommand(tag, "Invalid base64 initial response")
	}
	return c.authenticate(ctx, tag, mech, ir, true)
}
