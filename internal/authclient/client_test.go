package authclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"
)

func startFakeAuthService(t *testing.T, handle func(r *bufio.Reader, conn net.Conn)) string {
	t.Helper()
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
		handle(bufio.NewReader(conn), conn)
	}()

	return ln.Addr().String()
}

func readRequestLines(r *bufio.Reader) []string {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return lines
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if line == "END" {
			return lines
		}
	}
}

func TestStartImmediateOK(t *testing.T) {
	addr := startFakeAuthService(t, func(r *bufio.Reader, conn net.Conn) {
		readRequestLines(r)
		blob := base64.StdEncoding.EncodeToString([]byte("creds"))
		conn.Write([]byte("OK " + blob + " alice@example.com\r\n"))
	})

	c := New("tcp", addr, time.Second)
	ex, step, err := c.Start(context.Background(), Request{
		Mechanism: "PLAIN",
		ClientIP:  "10.0.0.1",
		LocalIP:   "10.0.0.2",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ex.Close()

	result, ok := step.(Result)
	if !ok {
		t.Fatalf("expected Result, got %T", step)
	}
	if !result.OK || result.User != "alice@example.com" || string(result.CredentialBlob) != "creds" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestStartFail(t *testing.T) {
	addr := startFakeAuthService(t, func(r *bufio.Reader, conn net.Conn) {
		readRequestLines(r)
		conn.Write([]byte("FAIL bad credentials\r\n"))
	})

	c := New("tcp", addr, time.Second)
	_, step, err := c.Start(context.Background(), Request{Mechanism: "LOGIN", ClientIP: "1.1.1.1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, ok := step.(Result)
	if !ok || result.OK {
		t.Fatalf("expected failed Result, got %+v (%T)", step, step)
	}
	if result.FailReason != "bad credentials" {
		t.Errorf("FailReason = %q", result.FailReason)
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	addr := startFakeAuthService(t, func(r *bufio.Reader, conn net.Conn) {
		readRequestLines(r)
		challenge := base64.StdEncoding.EncodeToString([]byte("challenge-1"))
		conn.Write([]byte("CONT " + challenge + "\r\n"))

		line, _ := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		resp, _ := base64.StdEncoding.DecodeString(line)
		if string(resp) != "response-1" {
			conn.Write([]byte("ERROR unexpected response\r\n"))
			return
		}
		blob := base64.StdEncoding.EncodeToString([]byte("creds2"))
		conn.Write([]byte("OK " + blob + " bob@example.com\r\n"))
	})

	c := New("tcp", addr, time.Second)
	ex, step, err := c.Start(context.Background(), Request{Mechanism: "PLAIN", ClientIP: "2.2.2.2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ex.Close()

	cont, ok := step.(Continuation)
	if !ok || string(cont.Challenge) != "challenge-1" {
		t.Fatalf("expected Continuation 'challenge-1', got %+v (%T)", step, step)
	}

	step2, err := ex.Continue([]byte("response-1"))
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	result, ok := step2.(Result)
	if !ok || !result.OK || result.User != "bob@example.com" {
		t.Fatalf("unexpected final result: %+v (%T)", step2, step2)
	}
}

func TestErrorLineReturnsError(t *testing.T) {
	addr := startFakeAuthService(t, func(r *bufio.Reader, conn net.Conn) {
		readRequestLines(r)
		conn.Write([]byte("ERROR malformed request\r\n"))
	})

	c := New("tcp", addr, time.Second)
	_, _, err := c.Start(context.Background(), Request{Mechanism: "PLAIN", ClientIP: "3.3.3.3"})
	if err == nil {
		t.Fatal("expected error for ERROR response line")
	}
}
