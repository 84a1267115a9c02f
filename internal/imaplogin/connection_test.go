package imaplogin

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/imap-login/internal/authclient"
	"github.com/infodancer/imap-login/internal/config"
	"github.com/infodancer/imap-login/internal/metrics"
	"github.com/infodancer/imap-login/internal/tlsproxy"
)

// servedPipe wires a Connection to a net.Pipe and runs Serve in its own
// goroutine, returning the client-side conn and a reader already
// positioned after the greeting line.
func servedPipe(t *testing.T, cfg config.Config, opts Options) (net.Conn, *bufio.Reader) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	opts.Config = cfg
	if opts.Registry == nil {
		opts.Registry = NewRegistry(256, nil, nil)
	}
	if opts.Collector == nil {
		opts.Collector = &metrics.NoopCollector{}
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	if opts.TLSHandshakeTimeout == 0 {
		opts.TLSHandshakeTimeout = 2 * time.Second
	}

	c := NewConnection(server, opts)
	opts.Registry.Insert(c)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Serve(ctx)

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	return client, r
}

func mustReadLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// Scenario: CAPABILITY then LOGOUT (spec.md §8).
func TestScenarioCapabilityThenLogout(t *testing.T) {
	client, r := servedPipe(t, config.Default(), Options{})

	client.Write([]byte("a1 CAPABILITY\r\n"))
	cap1 := mustReadLine(t, r)
	if !strings.HasPrefix(cap1, "* CAPABILITY ") || !strings.Contains(cap1, "IMAP4rev1") {
		t.Fatalf("unexpected capability line: %q", cap1)
	}
	ok1 := mustReadLine(t, r)
	if ok1 != "a1 OK Capability completed." {
		t.Fatalf("got %q, want CAPABILITY OK", ok1)
	}

	client.Write([]byte("a2 LOGOUT\r\n"))
	bye := mustReadLine(t, r)
	if bye != "* BYE Logging out" {
		t.Fatalf("got %q, want logout BYE", bye)
	}
	ok2 := mustReadLine(t, r)
	if ok2 != "a2 OK Logout completed." {
		t.Fatalf("got %q, want LOGOUT OK", ok2)
	}

	if _, err := r.ReadByte(); err == nil {
		t.Fatal("expected connection to close after LOGOUT")
	}
}

// Scenario: plaintext LOGIN is rejected when disabled and unsecured
// (spec.md §8).
func TestScenarioPlaintextLoginBlocked(t *testing.T) {
	cfg := config.Default()
	cfg.DisablePlaintextAuth = true
	client, r := servedPipe(t, cfg, Options{})

	client.Write([]byte("a1 LOGIN alice secret\r\n"))
	line := mustReadLine(t, r)
	if line != "a1 NO Plaintext authentication disabled." {
		t.Fatalf("got %q, want plaintext-disabled NO", line)
	}

	// Connection must remain open and usable.
	client.Write([]byte("a2 NOOP\r\n"))
	line2 := mustReadLine(t, r)
	if line2 != "a2 OK NOOP completed." {
		t.Fatalf("got %q, connection should still accept commands", line2)
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// Scenario: STARTTLS negotiates a new encrypted stream, and the
// post-STARTTLS CAPABILITY response no longer lists STARTTLS (spec.md §8).
func TestScenarioStartTLS(t *testing.T) {
	cert := selfSignedCert(t)
	proxy := tlsproxy.New(&tls.Config{Certificates: []tls.Certificate{cert}})

	cfg := config.Default()
	cfg.SSLInitialized = true
	client, r := servedPipe(t, cfg, Options{TLSProxy: proxy})

	client.Write([]byte("a1 CAPABILITY\r\n"))
	cap1 := mustReadLine(t, r)
	if !strings.Contains(cap1, "STARTTLS") {
		t.Fatalf("expected STARTTLS in capability before upgrade, got %q", cap1)
	}
	mustReadLine(t, r) // tagged OK

	client.Write([]byte("a2 STARTTLS\r\n"))
	ok := mustReadLine(t, r)
	if ok != "a2 OK Begin TLS negotiation now." {
		t.Fatalf("got %q, want STARTTLS OK", ok)
	}

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	tr := bufio.NewReader(tlsClient)

	if _, err := tlsClient.Write([]byte("a3 CAPABILITY\r\n")); err != nil {
		t.Fatalf("write over TLS: %v", err)
	}
	cap2 := mustReadLine(t, tr)
	if strings.Contains(cap2, "STARTTLS") {
		t.Fatalf("capability after upgrade should not re-offer STARTTLS: %q", cap2)
	}
	mustReadLine(t, tr) // tagged OK
}

// Scenario: ten consecutive malformed lines each draw a BAD response; the
// eleventh draws a BYE and disconnect (spec.md §8).
func TestScenarioBadCommandBudget(t *testing.T) {
	client, r := servedPipe(t, config.Default(), Options{})

	for i := 0; i < MaxBadCommands; i++ {
		client.Write([]byte("\r\n"))
		line := mustReadLine(t, r)
		if !strings.HasPrefix(line, "* BAD ") {
			t.Fatalf("bad command %d: got %q, want BAD response", i+1, line)
		}
	}

	client.Write([]byte("\r\n"))
	line := mustReadLine(t, r)
	if line != "* BYE Too many invalid IMAP commands." {
		t.Fatalf("got %q, want bad-command-budget BYE", line)
	}
	if _, err := r.ReadByte(); err == nil {
		t.Fatal("expected connection to close after exceeding bad-command budget")
	}
}

// Scenario: the registry's idle sweep disconnects a connection that has
// gone quiet (spec.md §8).
func TestScenarioIdleTimeout(t *testing.T) {
	registry := NewRegistry(256, nil, nil)
	client, r := servedPipe(t, config.Default(), Options{Registry: registry})

	var target *Connection
	registry.mu.Lock()
	for c := range registry.conns {
		target = c
	}
	registry.mu.Unlock()
	if target == nil {
		t.Fatal("connection not found in registry")
	}
	target.lastInputMu.Lock()
	target.lastInput = time.Now().Add(-time.Minute)
	target.lastInputMu.Unlock()

	registry.sweepIdle(time.Now(), time.Second)

	line := mustReadLine(t, r)
	if line != "* BYE Disconnected for inactivity." {
		t.Fatalf("got %q, want idle-timeout BYE", line)
	}
}

// Scenario: AUTHENTICATE PLAIN, then client cancellation with "*" yields
// BAD and leaves the connection usable (spec.md §8).
func TestScenarioAuthenticateCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(line, "\r\n") == "END" {
				break
			}
		}
		challenge := base64.StdEncoding.EncodeToString([]byte("challenge"))
		conn.Write([]byte("CONT " + challenge + "\r\n"))
	}()

	authClient := authclient.New("tcp", ln.Addr().String(), time.Second)
	cfg := config.Default()
	cfg.DisablePlaintextAuth = false
	client, r := servedPipe(t, cfg, Options{AuthClient: authClient})

	client.Write([]byte("a1 AUTHENTICATE PLAIN\r\n"))
	challengeLine := mustReadLine(t, r)
	if !strings.HasPrefix(challengeLine, "+ ") {
		t.Fatalf("got %q, want a SASL continuation challenge", challengeLine)
	}

	client.Write([]byte("*\r\n"))
	resp := mustReadLine(t, r)
	if resp != "a1 BAD Authentication aborted" {
		t.Fatalf("got %q, want aborted-authentication BAD", resp)
	}

	// Connection must remain usable after the cancellation.
	client.Write([]byte("a2 NOOP\r\n"))
	line2 := mustReadLine(t, r)
	if line2 != "a2 OK NOOP completed." {
		t.Fatalf("got %q, connection should still accept commands after cancel", line2)
	}
}
