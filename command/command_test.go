package command

import (
	"bytes"
	"testing"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		typ  Type
		name string
		body []byte
	}{
		{Request, "echo", []byte("hi")},
		{Response, "echo", []byte("hi")},
		{Request, "counter_stream", nil},
		{Response, "x", bytes.Repeat([]byte{0x9}, 1000)},
	} {
		out := make([]byte, HeaderSize+len(tc.name)+len(tc.body))
		n, err := Serialize(tc.typ, []byte(tc.name), tc.body, out)
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		p, err := Parse(out[:n])
		if err != nil {
			t.Fatalf("%+v: %v", tc, err)
		}
		if p.Type != tc.typ {
			t.Fatalf("%+v: type = %v", tc, p.Type)
		}
		if string(p.Name) != tc.name {
			t.Fatalf("%+v: name = %q", tc, p.Name)
		}
		if !bytes.Equal(p.Data, tc.body) && !(len(p.Data) == 0 && len(tc.body) == 0) {
			t.Fatalf("%+v: data = %v", tc, p.Data)
		}
	}
}

func TestParseRejectsZeroNameLen(t *testing.T) {
	buf := []byte{0, 0, 0, 0}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for cmd_name_len == 0")
	}
}

func TestParseRejectsNameLenOverrun(t *testing.T) {
	buf := []byte{0, 10, 'a', 'b'}
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error when cmd_name_len exceeds remaining bytes")
	}
}

func TestParseRejectsDataLenMismatch(t *testing.T) {
	out := make([]byte, HeaderSize+4+2)
	n, err := Serialize(Request, []byte("echo"), []byte("hi"), out)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt data_len to claim more bytes than are actually present.
	out[6] = 0xFF
	if _, err := Parse(out[:n]); err == nil {
		t.Fatal("expected error for data_len mismatch")
	}
}

func TestSerializeRejectsBufferOverflow(t *testing.T) {
	out := make([]byte, 3)
	if _, err := Serialize(Request, []byte("echo"), []byte("hi"), out); err == nil {
		t.Fatal("expected SizeError")
	}
}
