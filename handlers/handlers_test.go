package handlers

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/tdaira/blerpc/dispatch"
)

func TestEcho(t *testing.T) {
	var out bytes.Buffer
	outcome, err := Echo([]byte("hi"), &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != dispatch.Completed {
		t.Fatalf("expected Completed, got %v", outcome)
	}
	if out.String() != "hi" {
		t.Fatalf("expected %q, got %q", "hi", out.String())
	}
}

func TestEchoEmpty(t *testing.T) {
	var out bytes.Buffer
	if _, err := Echo(nil, &out, nil); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected empty echo, got %d bytes", out.Len())
	}
}

type fakeFlash struct {
	data []byte
	size uint32
}

func (f *fakeFlash) ReadAt(buf []byte, address uint32) error {
	if int(address)+len(buf) > len(f.data) {
		return fmt.Errorf("fakeFlash: read out of range")
	}
	copy(buf, f.data[address:int(address)+len(buf)])
	return nil
}

func (f *fakeFlash) Size() uint32 { return f.size }

func req8(address, length uint32) []byte {
	b := make([]byte, 8)
	putU32(b[0:4], address)
	putU32(b[4:8], length)
	return b
}

func TestFlashRead(t *testing.T) {
	dev := &fakeFlash{data: bytes.Repeat([]byte{0xAB, 0xCD}, 1000), size: 2000}
	h := FlashRead(dev, 0)

	var out bytes.Buffer
	outcome, err := h(req8(10, 600), &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != dispatch.Completed {
		t.Fatalf("expected Completed, got %v", outcome)
	}
	if got := getU32(out.Bytes()[0:4]); got != 10 {
		t.Fatalf("expected echoed address 10, got %d", got)
	}
	if !bytes.Equal(out.Bytes()[4:], dev.data[10:610]) {
		t.Fatal("flash data mismatch")
	}
}

func TestFlashReadRejectsOversizedLength(t *testing.T) {
	dev := &fakeFlash{data: make([]byte, 20000), size: 20000}
	h := FlashRead(dev, 0)

	var out bytes.Buffer
	if _, err := h(req8(0, MaxFlashReadSize+1), &out, nil); err == nil {
		t.Fatal("expected an error for a request exceeding MaxFlashReadSize")
	}
}

func TestFlashReadRejectsConfiguredBound(t *testing.T) {
	dev := &fakeFlash{data: make([]byte, 20000), size: 20000}
	h := FlashRead(dev, 1000)

	var out bytes.Buffer
	if _, err := h(req8(900, 200), &out, nil); err == nil {
		t.Fatal("expected an error for a request exceeding MaxFlashReadAddress")
	}
}

func TestFlashReadRejectsDeviceBound(t *testing.T) {
	dev := &fakeFlash{data: make([]byte, 500), size: 500}
	h := FlashRead(dev, 0)

	var out bytes.Buffer
	if _, err := h(req8(400, 200), &out, nil); err == nil {
		t.Fatal("expected an error for a request exceeding the device's reported size")
	}
}

func TestDataWrite(t *testing.T) {
	var out bytes.Buffer
	outcome, err := DataWrite(bytes.Repeat([]byte{1}, 37), &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != dispatch.Completed {
		t.Fatalf("expected Completed, got %v", outcome)
	}
	if got := getU32(out.Bytes()); got != 37 {
		t.Fatalf("expected length 37, got %d", got)
	}
}

func TestCounterStreamRejectsOversizedCount(t *testing.T) {
	req := make([]byte, 4)
	putU32(req, MaxCounterStreamCount+1)
	var out bytes.Buffer
	outcome, err := CounterStream(req, &out, nil)
	if err == nil {
		t.Fatal("expected an error for a count exceeding MaxCounterStreamCount")
	}
	if outcome != dispatch.Skipped {
		t.Fatalf("expected Skipped even on error, got %v", outcome)
	}
}

// The accumulate-then-reset-on-STREAM_END_C2P behavior needs a real
// dispatch.Context (and therefore a running Dispatcher) to exercise
// end to end; that's covered by the dispatch package's tests. Here we
// only check the request-shape validation, which runs before Handle
// ever touches ctx.
func TestCounterUploadRejectsMalformedRequest(t *testing.T) {
	h := NewCounterUpload()
	if _, err := h.Handle([]byte{1, 2, 3}, nil, nil); err == nil {
		t.Fatal("expected an error for a malformed counter_upload request")
	}
}
