package transport

import (
	"errors"
	"testing"
)

func TestLoopbackDeliversFrames(t *testing.T) {
	a, b := NewLoopbackPair(185)
	if err := a.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	got := <-b.Frames()
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestLoopbackSendAfterCloseErrors(t *testing.T) {
	a, b := NewLoopbackPair(185)
	defer b.Close()
	a.Close()
	if err := a.Send([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type flakyLink struct {
	mtu       int
	failTimes int
	sent      [][]byte
}

func (f *flakyLink) MTU() int { return f.mtu }
func (f *flakyLink) Send(frame []byte) error {
	if f.failTimes > 0 {
		f.failTimes--
		return ErrBusy
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}
func (f *flakyLink) Frames() <-chan []byte { return nil }
func (f *flakyLink) Close() error          { return nil }

func TestSendWithBackpressureRetriesThenSucceeds(t *testing.T) {
	f := &flakyLink{mtu: 185, failTimes: 3}
	if err := SendWithBackpressure(f, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected frame sent after retries, got %d sends", len(f.sent))
	}
}

func TestSendWithBackpressureGivesUpAfterMaxRetries(t *testing.T) {
	f := &flakyLink{mtu: 185, failTimes: BackpressureRetries + 1}
	err := SendWithBackpressure(f, []byte("x"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy after exhausting retries, got %v", err)
	}
}
