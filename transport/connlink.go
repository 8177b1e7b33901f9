package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// ConnLink adapts a net.Conn (the blerpcd/blerpcctl Unix control
// socket, in this module's case) into a Link, for the "can be pointed
// at a real implementation" half of transport.Link's contract. A BLE
// GATT characteristic delivers whole notifications with no framing
// work of its own; a byte-stream socket has no such boundary, so
// ConnLink prefixes each frame with a 2-byte little-endian length,
// exactly the kind of transport-specific bookkeeping spec.md §1 places
// out of scope for the protocol core.
type ConnLink struct {
	conn net.Conn
	mtu  int

	frames chan []byte

	closeOnce sync.Once
	closeErr  error
}

// NewConnLink wraps conn, advertising mtu as the negotiated ATT MTU
// (including ATTOverhead, per Link.MTU's contract) and starts a reader
// goroutine that decodes the length-prefixed stream into frames.
func NewConnLink(conn net.Conn, mtu int) *ConnLink {
	l := &ConnLink{
		conn:   conn,
		mtu:    mtu,
		frames: make(chan []byte, 64),
	}
	go l.readLoop()
	return l
}

func (l *ConnLink) MTU() int { return l.mtu }

func (l *ConnLink) Send(frame []byte) error {
	if len(frame) > 0xFFFF {
		return io.ErrShortWrite
	}
	prefixed := make([]byte, 2+len(frame))
	binary.LittleEndian.PutUint16(prefixed, uint16(len(frame)))
	copy(prefixed[2:], frame)
	_, err := l.conn.Write(prefixed)
	return err
}

func (l *ConnLink) Frames() <-chan []byte { return l.frames }

func (l *ConnLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *ConnLink) readLoop() {
	defer close(l.frames)
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(l.conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint16(lenBuf[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(l.conn, frame); err != nil {
			return
		}
		l.frames <- frame
	}
}
