// Package container implements the frame-level wire format described in
// spec.md §3-4.1: the FIRST/SUBSEQUENT/CONTROL container that carries
// fragments of a logical payload, or control signalling, over a
// transport that only offers small unreliable-sized writes.
package container

import (
	"encoding/binary"
	"fmt"
)

// Type is the two-bit container type carried in flags bits 7-6.
type Type uint8

const (
	TypeFirst      Type = 0x0
	TypeSubsequent Type = 0x1
	TypeControl    Type = 0x3
)

// ControlCommand enumerates the values carried in flags bits 5-2 when
// Type == TypeControl.
type ControlCommand uint8

const (
	ControlTimeout       ControlCommand = 1
	ControlCapabilities  ControlCommand = 2
	ControlError         ControlCommand = 3
	ControlKeyExchange   ControlCommand = 4
	ControlStreamEndP2C  ControlCommand = 5
	ControlStreamEndC2P  ControlCommand = 6
)

// ATTOverhead is the per-write protocol overhead assumed to be consumed
// by the transport itself (the 3-byte ATT header on a GATT write).
const ATTOverhead = 3

const (
	FirstHeaderSize      = 6
	SubsequentHeaderSize = 4
	ControlHeaderSize    = 4
)

// MaxPayloadLen is the largest payload_len a single container can carry,
// independent of any MTU constraint.
const MaxPayloadLen = 255

// Header is a parsed container header. Payload borrows into the byte
// slice that was parsed and must not outlive it.
type Header struct {
	TransactionID   uint8
	SequenceNumber  uint8
	Type            Type
	ControlCmd      ControlCommand
	TotalLength     uint16
	PayloadLen      uint8
	Payload         []byte
}

// ProtocolError reports a malformed or illegal container.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("container: protocol error: %s", e.Reason)
}

// SizeError reports that a destination buffer was too small to hold a
// serialized header.
type SizeError struct {
	Need, Have int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("container: buffer too small: need %d, have %d", e.Need, e.Have)
}

func protoErr(reason string) error {
	return &ProtocolError{Reason: reason}
}

// ParseHeader is total: it validates the reserved flag bits, that the
// declared payload_len fits within buf, and (for FIRST) that total_length
// is at least payload_len. It never allocates; Header.Payload borrows
// from buf.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < ControlHeaderSize {
		return h, protoErr("frame shorter than minimum header")
	}

	h.TransactionID = buf[0]
	seqOrReserved := buf[1]
	flags := buf[2]

	typeBits := (flags >> 6) & 0x3
	reserved := flags & 0x3
	if reserved != 0 {
		return h, protoErr("reserved flag bits must be zero")
	}

	switch typeBits {
	case 0x0:
		h.Type = TypeFirst
	case 0x1:
		h.Type = TypeSubsequent
	case 0x3:
		h.Type = TypeControl
	default: // 0x2 == "10"
		return h, protoErr("reserved type pattern 10")
	}

	switch h.Type {
	case TypeFirst:
		if len(buf) < FirstHeaderSize {
			return h, protoErr("FIRST frame shorter than header size")
		}
		h.SequenceNumber = seqOrReserved
		if h.SequenceNumber != 0 {
			return h, protoErr("FIRST frame must have sequence_number 0")
		}
		h.TotalLength = binary.LittleEndian.Uint16(buf[3:5])
		h.PayloadLen = buf[5]
		if int(h.PayloadLen) > len(buf)-FirstHeaderSize {
			return h, protoErr("payload_len exceeds available bytes")
		}
		if h.TotalLength < uint16(h.PayloadLen) {
			return h, protoErr("total_length smaller than FIRST payload_len")
		}
		h.Payload = buf[FirstHeaderSize : FirstHeaderSize+int(h.PayloadLen)]

	case TypeSubsequent:
		if len(buf) < SubsequentHeaderSize {
			return h, protoErr("SUBSEQUENT frame shorter than header size")
		}
		h.SequenceNumber = seqOrReserved
		if h.SequenceNumber == 0 {
			return h, protoErr("SUBSEQUENT frame must have sequence_number >= 1")
		}
		h.PayloadLen = buf[3]
		if int(h.PayloadLen) > len(buf)-SubsequentHeaderSize {
			return h, protoErr("payload_len exceeds available bytes")
		}
		h.Payload = buf[SubsequentHeaderSize : SubsequentHeaderSize+int(h.PayloadLen)]

	case TypeControl:
		h.SequenceNumber = seqOrReserved
		h.ControlCmd = ControlCommand((flags >> 2) & 0xF)
		h.PayloadLen = buf[3]
		if int(h.PayloadLen) > len(buf)-ControlHeaderSize {
			return h, protoErr("payload_len exceeds available bytes")
		}
		h.Payload = buf[ControlHeaderSize : ControlHeaderSize+int(h.PayloadLen)]
	}

	return h, nil
}

// headerSize returns the on-wire header size for h.Type.
func headerSize(t Type) int {
	switch t {
	case TypeFirst:
		return FirstHeaderSize
	case TypeSubsequent:
		return SubsequentHeaderSize
	default:
		return ControlHeaderSize
	}
}

// Serialize writes h into out, returning the number of bytes written.
func Serialize(h Header, out []byte) (int, error) {
	hdrSize := headerSize(h.Type)
	need := hdrSize + len(h.Payload)
	if len(out) < need {
		return 0, &SizeError{Need: need, Have: len(out)}
	}
	if len(h.Payload) > MaxPayloadLen {
		return 0, &SizeError{Need: len(h.Payload), Have: MaxPayloadLen}
	}

	out[0] = h.TransactionID

	switch h.Type {
	case TypeFirst:
		out[1] = 0
		out[2] = byte(TypeFirst) << 6
		binary.LittleEndian.PutUint16(out[3:5], h.TotalLength)
		out[5] = uint8(len(h.Payload))
	case TypeSubsequent:
		out[1] = h.SequenceNumber
		out[2] = byte(TypeSubsequent) << 6
		out[3] = uint8(len(h.Payload))
	case TypeControl:
		out[1] = h.SequenceNumber
		out[2] = (byte(TypeControl) << 6) | ((byte(h.ControlCmd) & 0xF) << 2)
		out[3] = uint8(len(h.Payload))
	default:
		return 0, protoErr("unknown container type")
	}

	copy(out[hdrSize:], h.Payload)
	return need, nil
}
