package container

import (
	"bytes"
	"testing"
)

func TestAssemblerSingleFrame(t *testing.T) {
	a := NewAssembler(4096)
	h, err := ParseHeader(buildFirst(0, 0, 2, []byte("hi")))
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Feed(h)
	if err != nil {
		t.Fatal(err)
	}
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	mustEqualBytes(t, a.Buf, []byte("hi"))
}

func TestAssemblerMultiFrame(t *testing.T) {
	a := NewAssembler(4096)
	payload := bytes.Repeat([]byte{0xAB}, 100)

	firstCap, subCap := 18, 20
	h, _ := ParseHeader(buildFirst(5, 0, uint16(len(payload)), payload[:firstCap]))
	res, err := a.Feed(h)
	if err != nil || res != Incomplete {
		t.Fatalf("unexpected first result: %v %v", res, err)
	}

	rest := payload[firstCap:]
	seq := uint8(1)
	for len(rest) > 0 {
		n := subCap
		if n > len(rest) {
			n = len(rest)
		}
		h, _ := ParseHeader(buildSubsequent(5, seq, rest[:n]))
		res, err := a.Feed(h)
		if err != nil {
			t.Fatal(err)
		}
		rest = rest[n:]
		seq++
		if len(rest) == 0 {
			if res != Complete {
				t.Fatalf("expected Complete on last frame, got %v", res)
			}
		} else if res != Incomplete {
			t.Fatalf("expected Incomplete, got %v", res)
		}
	}

	mustEqualBytes(t, a.Buf, payload)
}

func TestAssemblerSequenceGapResetsAndErrors(t *testing.T) {
	a := NewAssembler(4096)
	h, _ := ParseHeader(buildFirst(2, 0, 10, []byte("abc")))
	if _, err := a.Feed(h); err != nil {
		t.Fatal(err)
	}

	bad, _ := ParseHeader(buildSubsequent(2, 2, []byte("def")))
	res, err := a.Feed(bad)
	if err == nil {
		t.Fatal("expected error on sequence gap")
	}
	if res != Incomplete {
		t.Fatalf("expected Incomplete on error, got %v", res)
	}
	if a.Active() {
		t.Fatal("assembler should be inactive after a framing error")
	}
}

func TestAssemblerSubsequentWithoutFirstErrors(t *testing.T) {
	a := NewAssembler(4096)
	h, _ := ParseHeader(buildSubsequent(1, 1, []byte("x")))
	if _, err := a.Feed(h); err == nil {
		t.Fatal("expected error for SUBSEQUENT with no active FIRST")
	}
}

func TestAssemblerOverlappingFirstErrors(t *testing.T) {
	a := NewAssembler(4096)
	h1, _ := ParseHeader(buildFirst(1, 0, 10, []byte("abc")))
	if _, err := a.Feed(h1); err != nil {
		t.Fatal(err)
	}
	h2, _ := ParseHeader(buildFirst(9, 0, 5, []byte("zz")))
	if _, err := a.Feed(h2); err == nil {
		t.Fatal("expected overlap error")
	}
	if a.Active() {
		t.Fatal("assembler should reset on overlap")
	}
}

func TestAssemblerCapacityExceeded(t *testing.T) {
	a := NewAssembler(8)
	h, _ := ParseHeader(buildFirst(1, 0, 9, []byte("abc")))
	if _, err := a.Feed(h); err == nil {
		t.Fatal("expected capacity error when total_length > CAP")
	}
}

func TestAssemblerExactCapacityRoundtrip(t *testing.T) {
	capSize := 16
	a := NewAssembler(capSize)
	payload := bytes.Repeat([]byte{0x01}, capSize)
	h, _ := ParseHeader(buildFirst(1, 0, uint16(capSize), payload))
	res, err := a.Feed(h)
	if err != nil {
		t.Fatal(err)
	}
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	mustEqualBytes(t, a.Buf, payload)
}
