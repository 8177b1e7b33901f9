package container

import (
	"bytes"
	"testing"
)

func feedAll(t *testing.T, a *Assembler, frames [][]byte) []byte {
	t.Helper()
	var last FeedResult
	for _, f := range frames {
		h, err := ParseHeader(f)
		if err != nil {
			t.Fatal(err)
		}
		res, err := a.Feed(h)
		if err != nil {
			t.Fatal(err)
		}
		last = res
	}
	if last != Complete {
		t.Fatal("expected final feed to report Complete")
	}
	return append([]byte(nil), a.Buf...)
}

func TestSplitAndSendReassemblesCleanly(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 100)
	var frames [][]byte
	err := SplitAndSend(1, payload, 27, func(frame []byte) error {
		frames = append(frames, append([]byte(nil), frame...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// MTU=27 -> first_cap=18, sub_cap=20: FIRST(18) + SUBSEQUENT(20,20,20,20,2)
	wantLens := []int{18, 20, 20, 20, 20, 2}
	if len(frames) != len(wantLens) {
		t.Fatalf("got %d frames, want %d", len(frames), len(wantLens))
	}
	for i, f := range frames {
		h, err := ParseHeader(f)
		if err != nil {
			t.Fatal(err)
		}
		if int(h.PayloadLen) != wantLens[i] {
			t.Fatalf("frame %d: payload_len = %d, want %d", i, h.PayloadLen, wantLens[i])
		}
	}

	a := NewAssembler(4096)
	got := feedAll(t, a, frames)
	mustEqualBytes(t, got, payload)
}

func TestSplitAndSendMinMTUSingleByte(t *testing.T) {
	var frames [][]byte
	err := SplitAndSend(0, []byte{0x01}, 23, func(frame []byte) error {
		frames = append(frames, append([]byte(nil), frame...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected exactly one FIRST frame at MTU=23, got %d", len(frames))
	}
	h, err := ParseHeader(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != TypeFirst || h.PayloadLen != 1 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestSplitAndSendCapsFramePayloadAtLargeMTU(t *testing.T) {
	// At MTU 4096 the u8 payload_len field, not the transport, bounds
	// each frame: 900 bytes must still fragment as 255+255+255+135.
	payload := bytes.Repeat([]byte{0x11}, 900)
	var frames [][]byte
	if err := SplitAndSend(3, payload, 4096, func(f []byte) error {
		frames = append(frames, append([]byte(nil), f...))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}

	a := NewAssembler(4096)
	got := feedAll(t, a, frames)
	mustEqualBytes(t, got, payload)
}

func TestStreamingSplitterCapsFramePayloadAtLargeMTU(t *testing.T) {
	payload := bytes.Repeat([]byte{0x22}, 900)
	var frames [][]byte
	s := NewStreamingSplitter(3, uint16(len(payload)), 4096, func(f []byte) error {
		frames = append(frames, append([]byte(nil), f...))
		return nil
	})
	if _, err := s.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}

	a := NewAssembler(4096)
	got := feedAll(t, a, frames)
	mustEqualBytes(t, got, payload)
}

func TestSplitAndSendPropagatesSendError(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00}, 60)
	called := 0
	sentinel := bytesErr("boom")
	err := SplitAndSend(0, payload, 23, func(frame []byte) error {
		called++
		if called == 2 {
			return sentinel
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	se, ok := err.(*SendError)
	if !ok {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if se.Sequence != 1 {
		t.Fatalf("expected failure at sequence 1, got %d", se.Sequence)
	}
}

type bytesErr string

func (e bytesErr) Error() string { return string(e) }

func TestStreamingSplitterMatchesOneShot(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7E}, 253)
	mtu := 64

	var oneShotFrames [][]byte
	if err := SplitAndSend(9, payload, mtu, func(f []byte) error {
		oneShotFrames = append(oneShotFrames, append([]byte(nil), f...))
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	var streamFrames [][]byte
	s := NewStreamingSplitter(9, uint16(len(payload)), mtu, func(f []byte) error {
		streamFrames = append(streamFrames, append([]byte(nil), f...))
		return nil
	})
	// Simulate an encoder writing in small, irregular chunks.
	chunkSizes := []int{1, 7, 50, 3, 192}
	off := 0
	for _, n := range chunkSizes {
		if off+n > len(payload) {
			n = len(payload) - off
		}
		if _, err := s.Write(payload[off : off+n]); err != nil {
			t.Fatal(err)
		}
		off += n
	}
	if off < len(payload) {
		if _, err := s.Write(payload[off:]); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}

	if len(streamFrames) != len(oneShotFrames) {
		t.Fatalf("streaming produced %d frames, one-shot produced %d", len(streamFrames), len(oneShotFrames))
	}
	for i := range streamFrames {
		if !bytes.Equal(streamFrames[i], oneShotFrames[i]) {
			t.Fatalf("frame %d differs between streaming and one-shot splitter", i)
		}
	}

	a := NewAssembler(4096)
	got := feedAll(t, a, streamFrames)
	mustEqualBytes(t, got, payload)
}
