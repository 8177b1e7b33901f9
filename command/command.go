// Package command implements the {type, method-name, body} envelope
// carried inside one assembled container payload, per spec.md §3-4.4.
package command

import (
	"encoding/binary"
	"fmt"
)

// Type selects REQUEST or RESPONSE, carried in byte 0's high bit.
type Type uint8

const (
	Request  Type = 0
	Response Type = 1
)

func (t Type) String() string {
	if t == Request {
		return "REQUEST"
	}
	return "RESPONSE"
}

// HeaderSize is the fixed cost (cmd_type+cmd_name_len+data_len) before
// cmd_name and data.
const HeaderSize = 4

// MaxNameLen is the recommended (not enforced) upper bound on cmd_name
// length; parse/serialize both accept longer names as long as they fit
// the surrounding buffer, but callers should stay within this.
const MaxNameLen = 16

// Packet is a parsed command envelope. Name and Data borrow from the
// byte slice passed to Parse and must not outlive it.
type Packet struct {
	Type Type
	Name []byte
	Data []byte
}

// ProtocolError reports a malformed command packet.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("command: protocol error: %s", e.Reason)
}

// SizeError reports that a destination buffer was too small.
type SizeError struct {
	Need, Have int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("command: buffer too small: need %d, have %d", e.Need, e.Have)
}

// Parse decodes buf as a command packet. It fails if cmd_name_len is
// zero, exceeds the remaining bytes, or if data_len does not exactly
// match the trailing size.
func Parse(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) < 2 {
		return p, &ProtocolError{Reason: "buffer shorter than minimum command header"}
	}

	if buf[0]&0x80 != 0 {
		p.Type = Response
	} else {
		p.Type = Request
	}

	nameLen := int(buf[1])
	if nameLen == 0 {
		return p, &ProtocolError{Reason: "cmd_name_len must be nonzero"}
	}
	if len(buf) < 2+nameLen+2 {
		return p, &ProtocolError{Reason: "cmd_name_len exceeds remaining bytes"}
	}

	p.Name = buf[2 : 2+nameLen]
	dataLenOffset := 2 + nameLen
	dataLen := binary.LittleEndian.Uint16(buf[dataLenOffset : dataLenOffset+2])
	dataOffset := dataLenOffset + 2

	if len(buf)-dataOffset != int(dataLen) {
		return p, &ProtocolError{Reason: "data_len does not match trailing size exactly"}
	}

	p.Data = buf[dataOffset:]
	return p, nil
}

// SerializeHeader writes only the {type, name, data_len} prefix of a
// command envelope into out, for callers that stream the body
// separately (dispatch's unencrypted pass-2, which feeds the body to a
// StreamingSplitter byte by byte as the handler produces it). dataLen
// is the body length the caller has already committed to from pass 1.
func SerializeHeader(t Type, name []byte, dataLen int, out []byte) (int, error) {
	need := HeaderSize + len(name)
	if len(out) < need {
		return 0, &SizeError{Need: need, Have: len(out)}
	}
	if len(name) == 0 || len(name) > 255 {
		return 0, &ProtocolError{Reason: "cmd_name_len must be in 1..255"}
	}
	if dataLen > 0xFFFF {
		return 0, &ProtocolError{Reason: "data_len exceeds u16 range"}
	}

	if t == Response {
		out[0] = 0x80
	} else {
		out[0] = 0
	}
	out[1] = uint8(len(name))
	copy(out[2:], name)
	dataLenOffset := 2 + len(name)
	binary.LittleEndian.PutUint16(out[dataLenOffset:dataLenOffset+2], uint16(dataLen))
	return need, nil
}

// Serialize writes the {type, name, body} envelope into out, returning
// the number of bytes written.
func Serialize(t Type, name []byte, body []byte, out []byte) (int, error) {
	need := HeaderSize + len(name) + len(body)
	if len(out) < need {
		return 0, &SizeError{Need: need, Have: len(out)}
	}
	if len(name) == 0 || len(name) > 255 {
		return 0, &ProtocolError{Reason: "cmd_name_len must be in 1..255"}
	}
	if len(body) > 0xFFFF {
		return 0, &ProtocolError{Reason: "data_len exceeds u16 range"}
	}

	if t == Response {
		out[0] = 0x80
	} else {
		out[0] = 0
	}
	out[1] = uint8(len(name))
	copy(out[2:], name)
	dataLenOffset := 2 + len(name)
	binary.LittleEndian.PutUint16(out[dataLenOffset:dataLenOffset+2], uint16(len(body)))
	copy(out[dataLenOffset+2:], body)
	return need, nil
}
