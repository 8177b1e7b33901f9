// Package transport defines the BLE GATT collaborator contract the
// rest of this module is built against, and a Loopback implementation
// for tests and local demos. The real peripheral/central radio stacks
// are out of scope (spec.md Non-goals); this package only specifies
// the shape dispatch and client need, grounded on the teacher's
// channel-based agent/bluetooth.go peripheral wiring.
package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned by Link.Send when the underlying GATT stack has
// no free notification buffers (the BLE host's "out of resources"
// condition). Callers retry per spec.md §4.6: up to BackpressureRetries
// retries after the first attempt, sleeping BackpressureDelay between
// them.
var ErrBusy = errors.New("transport: link busy, retry")

// ErrClosed is returned once a Link has been torn down.
var ErrClosed = errors.New("transport: link closed")

const (
	BackpressureDelay   = 5 * time.Millisecond
	BackpressureRetries = 10
)

// Link is the single-characteristic, write-without-response-plus-notify
// GATT channel a container-framed byte stream rides over. One frame
// per Send/notification; MTU negotiation has already completed by the
// time a Link is handed to dispatch or client code.
type Link interface {
	// MTU returns the negotiated ATT MTU in bytes, including the
	// 3-byte ATT write/notify overhead.
	MTU() int
	// Send transmits one frame. It returns ErrBusy if the underlying
	// stack is momentarily out of notification buffers; the caller is
	// responsible for the backpressure retry loop.
	Send(frame []byte) error
	// Frames delivers frames received from the peer, in order, until
	// the Link is closed.
	Frames() <-chan []byte
	Close() error
}

// SendWithBackpressure wraps a Link's Send with the retry policy
// spec.md §4.6 requires for BLE_ERROR_NO_TX_PACKETS-equivalent
// conditions.
func SendWithBackpressure(l Link, frame []byte) error {
	var err error
	for attempt := 0; attempt <= BackpressureRetries; attempt++ {
		err = l.Send(frame)
		if err != ErrBusy {
			return err
		}
		if attempt < BackpressureRetries {
			time.Sleep(BackpressureDelay)
		}
	}
	return err
}

// Loopback is an in-memory Link pair connecting a simulated peripheral
// and central directly, for tests and local demos that have no real
// radio. Each end's Send delivers to the other end's Frames channel.
type Loopback struct {
	mtu int

	mu     sync.Mutex
	closed bool
	peer   *Loopback
	out    chan []byte
}

// NewLoopbackPair returns two connected Loopback links sharing mtu.
func NewLoopbackPair(mtu int) (a, b *Loopback) {
	a = &Loopback{mtu: mtu, out: make(chan []byte, 64)}
	b = &Loopback{mtu: mtu, out: make(chan []byte, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *Loopback) MTU() int { return l.mtu }

func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	cp := append([]byte(nil), frame...)
	// The peer's mutex guards its out channel against a concurrent
	// Close, which closes that channel under the same lock.
	p := l.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.out <- cp:
		return nil
	default:
		return ErrBusy
	}
}

func (l *Loopback) Frames() <-chan []byte { return l.out }

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.out)
	return nil
}
