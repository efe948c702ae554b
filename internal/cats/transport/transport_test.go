package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestWithReadTimeoutExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := New(server)
	if err := tr.WithReadTimeout(20 * time.Millisecond); err != nil {
		t.Fatalf("WithReadTimeout: %v", err)
	}
	buf := make([]byte, 1)
	_, err := tr.Read(buf)
	if err == nil {
		t.Fatal("Read should time out with no data written")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("Read error = %v, want a net.Error timeout", err)
	}
}

func TestWithReadTimeoutClearedAllowsRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := New(server)
	if err := tr.WithReadTimeout(20 * time.Millisecond); err != nil {
		t.Fatalf("WithReadTimeout: %v", err)
	}
	if err := tr.WithReadTimeout(0); err != nil {
		t.Fatalf("WithReadTimeout(0): %v", err)
	}

	go func() { _, _ = client.Write([]byte("x")) }()
	buf := make([]byte, 1)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("Read after clearing deadline: %v", err)
	}
	if n != 1 {
		t.Errorf("Read n = %d, want 1", n)
	}
}

func TestWithWriteTimeoutExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	_ = client

	tr := New(server)
	if err := tr.WithWriteTimeout(20 * time.Millisecond); err != nil {
		t.Fatalf("WithWriteTimeout: %v", err)
	}
	// net.Pipe has no buffer, so writing with nobody reading blocks until
	// the deadline fires.
	_, err := tr.Write([]byte("x"))
	if err == nil {
		t.Fatal("Write should time out with no reader draining the pipe")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("Write error = %v, want a net.Error timeout", err)
	}
}

var _ io.ReadWriter = (*Transport)(nil)
