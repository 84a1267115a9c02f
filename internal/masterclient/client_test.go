package masterclient

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startFakeMaster(t *testing.T, reply string, onFd func(fd int)) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "master.sock")

	ln, err := net.Listen("unix", sockPath)
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
		uc := conn.(*net.UnixConn)

		buf := make([]byte, 256)
		oob := make([]byte, 64)
		n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}

		if onFd != nil {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err == nil && len(scms) > 0 {
				fds, err := unix.ParseUnixRights(&scms[0])
				if err == nil && len(fds) > 0 {
					onFd(fds[0])
				}
			}
		}

		r := bufio.NewReader(strings.NewReader(string(buf[:n])))
		line, _ := r.ReadString('\n')
		if !strings.HasPrefix(line, "AUTH 1") {
			conn.Write([]byte("FAIL bad version\r\n"))
			return
		}

		conn.Write([]byte(reply + "\r\n"))
	}()

	return sockPath
}

func TestHandoffSucceeds(t *testing.T) {
	var gotFd int
	sockPath := startFakeMaster(t, "OK", func(fd int) { gotFd = fd })

	tmp, err := os.CreateTemp(t.TempDir(), "conn")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	c := New(sockPath, time.Second)
	if err := c.Handoff(tmp, "alice@example.com"); err != nil {
		t.Fatalf("Handoff: %v", err)
	}
	if gotFd == 0 {
		t.Error("expected a passed fd, got 0")
	}
}

func TestHandoffFail(t *testing.T) {
	sockPath := startFakeMaster(t, "FAIL rejected", nil)

	tmp, err := os.CreateTemp(t.TempDir(), "conn")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	c := New(sockPath, time.Second)
	err = c.Handoff(tmp, "bob@example.com")
	if err == nil {
		t.Fatal("expected error for FAIL reply")
	}
}
