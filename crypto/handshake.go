package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes of the four handshake messages, per spec.md §3-4.5. Step2Size
// is also exported as the teacher-style named constant for the fixed
// buffer the peripheral firmware would size for it.
const (
	Step1Size = KeySize + 16        // client_x25519_pk || client_nonce
	Step2Size = KeySize*2 + 16 + 64 // peripheral_x25519_pk || peripheral_ed25519_pk || peripheral_nonce || signature
	Step3Size = 32                  // client confirmation tag
	Step4Size = 32                  // peripheral confirmation tag

	nonceLen = 16

	hkdfInfo = "blerpc handshake v1"
)

// Step is the position of a handshake state machine. Both the
// peripheral and the client implementations use the same names even
// though the client's sequence is offset by one message (it sends
// Step1 and Step3, the peripheral sends Step2 and Step4).
type Step int

const (
	StepIdle Step = iota
	StepAwaitingStep3
	StepAwaitingStep4
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "IDLE"
	case StepAwaitingStep3:
		return "AWAITING_STEP3"
	case StepAwaitingStep4:
		return "AWAITING_STEP4"
	case StepDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// derivedKeys is the 152-byte HKDF-SHA256 expansion of the X25519
// shared secret, salted with the handshake transcript (both ephemeral
// public keys and both nonces, as built by buildTranscript). Both
// parties compute all six fields identically; each then picks tx/rx
// by role.
type derivedKeys struct {
	keyC2P     [KeySize]byte
	keyP2C     [KeySize]byte
	confirmC2P [KeySize]byte
	confirmP2C [KeySize]byte
	saltC2P    [NonceSaltSize]byte
	saltP2C    [NonceSaltSize]byte
}

func deriveKeys(sharedSecret, transcript []byte) (derivedKeys, error) {
	var out derivedKeys
	r := hkdf.New(sha256.New, sharedSecret, transcript, []byte(hkdfInfo))
	buf := make([]byte, KeySize*4+NonceSaltSize*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return out, fmt.Errorf("hkdf expand: %w", err)
	}
	copy(out.keyC2P[:], buf[0:32])
	copy(out.keyP2C[:], buf[32:64])
	copy(out.confirmC2P[:], buf[64:96])
	copy(out.confirmP2C[:], buf[96:128])
	copy(out.saltC2P[:], buf[128:140])
	copy(out.saltP2C[:], buf[140:152])
	return out, nil
}

// zero wipes the derived key material in place, for the abort paths
// spec.md §4.5 requires to zeroise partial material before returning
// to IDLE.
func (k *derivedKeys) zero() {
	for i := range k.keyC2P {
		k.keyC2P[i] = 0
		k.keyP2C[i] = 0
		k.confirmC2P[i] = 0
		k.confirmP2C[i] = 0
	}
	for i := range k.saltC2P {
		k.saltC2P[i] = 0
		k.saltP2C[i] = 0
	}
}

func confirmTag(key [KeySize]byte, transcript ...[]byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	for _, t := range transcript {
		mac.Write(t)
	}
	return mac.Sum(nil)
}

func x25519Keypair() (pub, priv [KeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return
}

func x25519Shared(priv, peerPub [KeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	return shared, nil
}

// PeripheralIdentity is the peripheral's long-term Ed25519 signing
// key, configured from ED25519_PRIVATE_KEY (spec.md §6 config table).
type PeripheralIdentity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func NewPeripheralIdentity(seed [32]byte) PeripheralIdentity {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	return PeripheralIdentity{Public: pub, private: priv}
}

// PeripheralHandshake drives the peripheral side of the key exchange:
// receive Step1, emit Step2, receive Step3, emit Step4.
type PeripheralHandshake struct {
	identity PeripheralIdentity

	step Step

	ephemeralPub  [KeySize]byte
	ephemeralPriv [KeySize]byte
	clientPub     [KeySize]byte
	clientNonce   [nonceLen]byte
	serverNonce   [nonceLen]byte
	transcript    []byte
	step3Msg      []byte
	keys          derivedKeys
}

func NewPeripheralHandshake(identity PeripheralIdentity) *PeripheralHandshake {
	return &PeripheralHandshake{identity: identity, step: StepIdle}
}

// HandleStep1 parses the client's ephemeral key and nonce, generates
// the peripheral's own ephemeral keypair and nonce, derives the shared
// secret, signs the transcript, and returns the Step2 message.
func (h *PeripheralHandshake) HandleStep1(msg []byte) ([]byte, error) {
	if h.step != StepIdle {
		return nil, cryptoErr("step1 received out of order")
	}
	if len(msg) != Step1Size {
		return nil, cryptoErr("step1 has wrong length")
	}
	copy(h.clientPub[:], msg[0:KeySize])
	copy(h.clientNonce[:], msg[KeySize:KeySize+nonceLen])

	var err error
	h.ephemeralPub, h.ephemeralPriv, err = x25519Keypair()
	if err != nil {
		return nil, cryptoErr("generating ephemeral keypair: " + err.Error())
	}
	if _, err := rand.Read(h.serverNonce[:]); err != nil {
		return nil, cryptoErr("generating server nonce: " + err.Error())
	}

	shared, err := x25519Shared(h.ephemeralPriv, h.clientPub)
	if err != nil {
		return nil, err
	}

	h.transcript = buildTranscript(h.clientPub, h.ephemeralPub, h.clientNonce, h.serverNonce)
	h.keys, err = deriveKeys(shared, h.transcript)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(h.identity.private, h.transcript)

	out := make([]byte, 0, Step2Size)
	out = append(out, h.ephemeralPub[:]...)
	out = append(out, h.identity.Public...)
	out = append(out, h.serverNonce[:]...)
	out = append(out, sig...)

	h.step = StepAwaitingStep3
	return out, nil
}

// HandleStep3 verifies the client's confirmation tag and, on success,
// returns the Step4 confirmation tag plus the established Session.
// Any failure is fatal: the caller must disconnect.
func (h *PeripheralHandshake) HandleStep3(msg []byte) (step4 []byte, session *Session, err error) {
	if h.step != StepAwaitingStep3 {
		return nil, nil, cryptoErr("step3 received out of order")
	}
	if len(msg) != Step3Size {
		return nil, nil, cryptoErr("step3 has wrong length")
	}

	want := confirmTag(h.keys.confirmC2P, h.transcript)
	if subtle.ConstantTimeCompare(want, msg) != 1 {
		h.abort()
		return nil, nil, cryptoErr("step3 confirmation tag mismatch")
	}
	h.step3Msg = append([]byte(nil), msg...)

	session, err = NewSession(h.keys.keyP2C, h.keys.keyC2P, h.keys.saltP2C, h.keys.saltC2P)
	if err != nil {
		return nil, nil, err
	}

	tag := confirmTag(h.keys.confirmP2C, h.transcript, h.step3Msg)
	h.step = StepDone
	return tag, session, nil
}

// abort zeroises partial key material and returns the state machine to
// IDLE.
func (h *PeripheralHandshake) abort() {
	h.keys.zero()
	for i := range h.ephemeralPriv {
		h.ephemeralPriv[i] = 0
	}
	h.step = StepIdle
}

// ClientHandshake drives the client side: emit Step1, receive Step2,
// emit Step3, receive Step4.
type ClientHandshake struct {
	// trustedIdentity, if non-nil, is the peripheral identity key this
	// client has previously seen (peers.Store). When set, Step2's
	// reported identity key must match it exactly; when nil the
	// identity is trusted on first use and the caller is responsible
	// for persisting it after a successful handshake.
	trustedIdentity ed25519.PublicKey

	step Step

	ephemeralPub    [KeySize]byte
	ephemeralPriv   [KeySize]byte
	clientNonce     [nonceLen]byte
	peripheralPub   [KeySize]byte
	peripheralIdent ed25519.PublicKey
	serverNonce     [nonceLen]byte
	transcript      []byte
	step3Msg        []byte
	keys            derivedKeys
}

func NewClientHandshake(trustedIdentity ed25519.PublicKey) *ClientHandshake {
	return &ClientHandshake{trustedIdentity: trustedIdentity, step: StepIdle}
}

// BuildStep1 generates the client's ephemeral keypair and nonce and
// returns the Step1 message.
func (h *ClientHandshake) BuildStep1() ([]byte, error) {
	if h.step != StepIdle {
		return nil, cryptoErr("handshake already started")
	}
	var err error
	h.ephemeralPub, h.ephemeralPriv, err = x25519Keypair()
	if err != nil {
		return nil, cryptoErr("generating ephemeral keypair: " + err.Error())
	}
	if _, err := rand.Read(h.clientNonce[:]); err != nil {
		return nil, cryptoErr("generating client nonce: " + err.Error())
	}

	out := make([]byte, 0, Step1Size)
	out = append(out, h.ephemeralPub[:]...)
	out = append(out, h.clientNonce[:]...)
	h.step = StepAwaitingStep3
	return out, nil
}

// HandleStep2 parses and verifies the peripheral's signature over the
// transcript, rejecting a reported identity key that conflicts with a
// previously trusted one, derives the shared keys, and returns the
// Step3 confirmation tag.
func (h *ClientHandshake) HandleStep2(msg []byte) ([]byte, error) {
	if h.step != StepAwaitingStep3 {
		return nil, cryptoErr("step2 received out of order")
	}
	if len(msg) != Step2Size {
		return nil, cryptoErr("step2 has wrong length")
	}

	copy(h.peripheralPub[:], msg[0:KeySize])
	ident := append(ed25519.PublicKey(nil), msg[KeySize:KeySize*2]...)
	copy(h.serverNonce[:], msg[KeySize*2:KeySize*2+nonceLen])
	sig := msg[KeySize*2+nonceLen:]

	if h.trustedIdentity != nil && !h.trustedIdentity.Equal(ident) {
		return nil, cryptoErr("peripheral identity key does not match trusted key")
	}
	h.peripheralIdent = ident

	h.transcript = buildTranscript(h.ephemeralPub, h.peripheralPub, h.clientNonce, h.serverNonce)
	if !ed25519.Verify(h.peripheralIdent, h.transcript, sig) {
		return nil, cryptoErr("peripheral identity signature invalid")
	}

	shared, err := x25519Shared(h.ephemeralPriv, h.peripheralPub)
	if err != nil {
		return nil, err
	}
	h.keys, err = deriveKeys(shared, h.transcript)
	if err != nil {
		return nil, err
	}

	// Step3 is the bare confirmation tag: the client has no long-term
	// identity key in this protocol, so there is no signature to
	// attach — the HMAC (keyed from the ECDH output) already proves
	// possession of the ephemeral secret.
	tag := confirmTag(h.keys.confirmC2P, h.transcript)
	h.step3Msg = tag
	h.step = StepAwaitingStep4
	return tag, nil
}

// HandleStep4 verifies the peripheral's confirmation tag and returns
// the established Session plus the peripheral's verified identity
// key, which the caller should persist via a trust store on first use.
func (h *ClientHandshake) HandleStep4(msg []byte) (session *Session, peripheralIdentity ed25519.PublicKey, err error) {
	if h.step != StepAwaitingStep4 {
		return nil, nil, cryptoErr("step4 received out of order")
	}
	if len(msg) != Step4Size {
		return nil, nil, cryptoErr("step4 has wrong length")
	}

	want := confirmTag(h.keys.confirmP2C, h.transcript, h.step3Msg)
	if subtle.ConstantTimeCompare(want, msg) != 1 {
		h.abort()
		return nil, nil, cryptoErr("step4 confirmation tag mismatch")
	}

	session, err = NewSession(h.keys.keyC2P, h.keys.keyP2C, h.keys.saltC2P, h.keys.saltP2C)
	if err != nil {
		return nil, nil, err
	}
	h.step = StepDone
	return session, h.peripheralIdent, nil
}

// abort zeroises partial key material and returns the state machine to
// IDLE.
func (h *ClientHandshake) abort() {
	h.keys.zero()
	for i := range h.ephemeralPriv {
		h.ephemeralPriv[i] = 0
	}
	h.step = StepIdle
}

func buildTranscript(clientPub, peripheralPub [KeySize]byte, clientNonce, serverNonce [nonceLen]byte) []byte {
	t := make([]byte, 0, KeySize*2+nonceLen*2)
	t = append(t, clientPub[:]...)
	t = append(t, peripheralPub[:]...)
	t = append(t, clientNonce[:]...)
	t = append(t, serverNonce[:]...)
	return t
}
