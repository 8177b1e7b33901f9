// Package crypto implements the session-level AEAD framing and the
// three-round authenticated key-exchange handshake described in
// spec.md §3-4.5. The AEAD is ChaCha20-Poly1305 (256-bit key, 96-bit
// nonce, 128-bit tag), matching the family of primitives the teacher
// repo draws from golang.org/x/crypto, generalized here from a
// NaCl-sealed-box scheme into an explicit three-round mutually
// authenticated exchange.
package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize       = 32
	NonceSaltSize = 12
	TagSize       = 16
	// WireOverhead is the 12-byte nonce prefix plus the 16-byte AEAD
	// tag carried alongside every encrypted frame (spec.md §3, §9).
	WireOverhead = NonceSaltSize + TagSize

	// maxCounter is the fatal overflow threshold (spec.md §4.5): a
	// direction-local nonce counter may never exceed 2^63.
	maxCounter = uint64(1) << 63
)

// Error reports a fatal crypto-layer condition. Per spec.md §7, crypto
// errors are fatal to the session: the caller must tear the session
// down and disconnect.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("crypto: %s", e.Reason) }

func cryptoErr(reason string) error { return &Error{Reason: reason} }

// Session holds the per-direction AEAD keys and nonce counters
// established by a completed handshake. It is owned by the
// session-level state and must be zeroised on disconnect (see Zero).
type Session struct {
	txKey       [KeySize]byte
	rxKey       [KeySize]byte
	txNonceSalt [NonceSaltSize]byte
	rxNonceSalt [NonceSaltSize]byte

	txCounter uint64
	rxCounter uint64

	txAEAD cipherAEAD
	rxAEAD cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD this package needs; declared
// locally so callers never have to import golang.org/x/crypto directly.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSession constructs a Session from the key material a handshake
// has derived. Both sides compute these six values identically but
// assign them to tx/rx according to their own role (see handshake.go).
func NewSession(txKey, rxKey [KeySize]byte, txNonceSalt, rxNonceSalt [NonceSaltSize]byte) (*Session, error) {
	txAEAD, err := chacha20poly1305.New(txKey[:])
	if err != nil {
		return nil, cryptoErr("constructing tx AEAD: " + err.Error())
	}
	rxAEAD, err := chacha20poly1305.New(rxKey[:])
	if err != nil {
		return nil, cryptoErr("constructing rx AEAD: " + err.Error())
	}
	return &Session{
		txKey:       txKey,
		rxKey:       rxKey,
		txNonceSalt: txNonceSalt,
		rxNonceSalt: rxNonceSalt,
		txAEAD:      txAEAD,
		rxAEAD:      rxAEAD,
	}, nil
}

func nonceFor(salt [NonceSaltSize]byte, counter uint64) [NonceSaltSize]byte {
	var counterBytes [NonceSaltSize]byte
	binary.LittleEndian.PutUint64(counterBytes[:8], counter)
	var nonce [NonceSaltSize]byte
	for i := range nonce {
		nonce[i] = salt[i] ^ counterBytes[i]
	}
	return nonce
}

// Encrypt seals plain and returns nonce(12) || ciphertext || tag(16),
// incrementing the tx counter. Per spec.md §4.5, a counter that would
// exceed 2^63 is fatal; the session must be torn down by the caller.
func (s *Session) Encrypt(plain []byte) ([]byte, error) {
	if s.txCounter >= maxCounter {
		return nil, cryptoErr("tx nonce counter overflow")
	}
	nonce := nonceFor(s.txNonceSalt, s.txCounter)
	out := make([]byte, NonceSaltSize, NonceSaltSize+len(plain)+TagSize)
	copy(out, nonce[:])
	out = s.txAEAD.Seal(out, nonce[:], plain, nil)
	s.txCounter++
	return out, nil
}

// Decrypt opens a frame produced by the peer's Encrypt. It rejects any
// nonce that does not match the expected next rx counter (catching
// both reuse and regression, per spec.md §4.5/§8 property 6) and any
// tag mismatch, without distinguishing the two in its error message
// (an attacker should not learn which check failed).
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < NonceSaltSize+TagSize {
		return nil, cryptoErr("frame shorter than minimum AEAD envelope")
	}
	if s.rxCounter >= maxCounter {
		return nil, cryptoErr("rx nonce counter overflow")
	}

	var nonce [NonceSaltSize]byte
	copy(nonce[:], frame[:NonceSaltSize])

	expected := nonceFor(s.rxNonceSalt, s.rxCounter)
	if nonce != expected {
		return nil, cryptoErr("decryption failed")
	}

	plain, err := s.rxAEAD.Open(nil, nonce[:], frame[NonceSaltSize:], nil)
	if err != nil {
		return nil, cryptoErr("decryption failed")
	}
	s.rxCounter++
	return plain, nil
}

// Zero destroys key material in place. Callers must call this exactly
// once, on handshake failure or session teardown.
func (s *Session) Zero() {
	for i := range s.txKey {
		s.txKey[i] = 0
	}
	for i := range s.rxKey {
		s.rxKey[i] = 0
	}
	for i := range s.txNonceSalt {
		s.txNonceSalt[i] = 0
	}
	for i := range s.rxNonceSalt {
		s.rxNonceSalt[i] = 0
	}
	s.txAEAD = nil
	s.rxAEAD = nil
}
