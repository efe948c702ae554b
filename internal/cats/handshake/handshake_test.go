package handshake

import (
	"net"
	"testing"
	"time"
)

func TestSHA256TimeVerifyWithinWindow(t *testing.T) {
	h, err := NewSHA256Time([]byte("secret"), 1)
	if err != nil {
		t.Fatalf("NewSHA256Time: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	candidate := Digest(h.SecretKey, (now.Unix()/10)*10)
	if !h.Verify(now, candidate) {
		t.Error("Verify should accept the current-window digest")
	}
	skewed := now.Add(10 * time.Second)
	if !h.Verify(skewed, candidate) {
		t.Error("Verify should tolerate ±ValidWindow*10s of clock skew")
	}
	farFuture := now.Add(time.Hour)
	if h.Verify(farFuture, candidate) {
		t.Error("Verify should reject a digest far outside the tolerance window")
	}
}

func TestSHA256TimeVerifyWrongLength(t *testing.T) {
	h, _ := NewSHA256Time([]byte("secret"), 1)
	if h.Verify(time.Now(), []byte{0x01}) {
		t.Error("Verify should reject a short candidate")
	}
}

func TestNewSHA256TimeRejectsEmptySecret(t *testing.T) {
	if _, err := NewSHA256Time(nil, 1); err == nil {
		t.Error("NewSHA256Time should reject an empty secret")
	}
}

func TestRunInitiatorResponderAccepted(t *testing.T) {
	h, err := NewSHA256Time([]byte("shared-secret"), 1)
	if err != nil {
		t.Fatalf("NewSHA256Time: %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- RunResponder(server, h, time.Now()) }()

	if err := RunInitiator(client, h, time.Now()); err != nil {
		t.Fatalf("RunInitiator: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RunResponder: %v", err)
	}
}

func TestRunInitiatorResponderRejected(t *testing.T) {
	good, _ := NewSHA256Time([]byte("correct"), 1)
	bad, _ := NewSHA256Time([]byte("wrong"), 1)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- RunResponder(server, good, time.Now()) }()

	err := RunInitiator(client, bad, time.Now())
	if err != ErrRejected {
		t.Fatalf("RunInitiator error = %v, want ErrRejected", err)
	}
	if serverErr := <-done; serverErr != ErrRejected {
		t.Fatalf("RunResponder error = %v, want ErrRejected", serverErr)
	}
}
