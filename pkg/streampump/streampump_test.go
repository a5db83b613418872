package streampump

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func tcpPipe(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	dialed, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case c := <-accepted:
		return dialed.(*net.TCPConn), c.(*net.TCPConn)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
		return nil, nil
	}
}

func TestPumpCopiesStdinToRemoteAndRemoteToStdout(t *testing.T) {
	client, server := tcpPipe(t)
	defer server.Close()

	stdin := strings.NewReader("hello remote")
	var stdout bytes.Buffer

	// The server side plays "remote sshd": echo whatever it reads, then hang
	// up its write side once stdin is drained.
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf, err := io.ReadAll(server)
		if err != nil {
			return
		}
		_, _ = server.Write([]byte("echo:" + string(buf)))
		server.Close()
	}()

	if err := Pump(client, stdin, &stdout); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	<-serverDone

	if stdout.String() != "echo:hello remote" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "echo:hello remote")
	}
}

// If the remote side closes first and the local stdin never produces EOF on
// its own (the common case: the SSH client is still alive, just idle),
// Pump must still return instead of hanging on the blocked stdin read.
func TestPumpReturnsWhenRemoteClosesBeforeStdin(t *testing.T) {
	client, server := tcpPipe(t)

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	var stdout bytes.Buffer

	server.Close()

	done := make(chan error, 1)
	go func() { done <- Pump(client, stdinR, &stdout) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after the remote side closed")
	}
}
