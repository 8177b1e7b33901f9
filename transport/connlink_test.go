package transport

import (
	"net"
	"testing"
	"time"
)

func TestConnLinkRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	a := NewConnLink(server, 247)
	b := NewConnLink(client, 247)

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-b.Frames():
		if string(frame) != "hello" {
			t.Fatalf("got %q, want %q", frame, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}

	if a.MTU() != 247 {
		t.Fatalf("expected MTU 247, got %d", a.MTU())
	}
}

func TestConnLinkCloseDrainsFrames(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	a := NewConnLink(server, 247)
	b := NewConnLink(client, 247)

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-b.Frames():
		if ok {
			t.Fatal("expected Frames channel to close after peer close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Frames to close")
	}
}
