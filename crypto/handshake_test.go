package crypto

import (
	"crypto/rand"
	"testing"
)

func newTestIdentity(t *testing.T) PeripheralIdentity {
	t.Helper()
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatal(err)
	}
	return NewPeripheralIdentity(seed)
}

func runHandshake(t *testing.T, trustedIdentity bool) (clientSession, peripheralSession *Session, err error) {
	t.Helper()
	identity := newTestIdentity(t)

	peripheral := NewPeripheralHandshake(identity)
	var client *ClientHandshake
	if trustedIdentity {
		client = NewClientHandshake(identity.Public)
	} else {
		client = NewClientHandshake(nil)
	}

	step1, err := client.BuildStep1()
	if err != nil {
		return nil, nil, err
	}
	step2, err := peripheral.HandleStep1(step1)
	if err != nil {
		return nil, nil, err
	}
	step3, err := client.HandleStep2(step2)
	if err != nil {
		return nil, nil, err
	}
	step4, pSession, err := peripheral.HandleStep3(step3)
	if err != nil {
		return nil, nil, err
	}
	cSession, peerIdent, err := client.HandleStep4(step4)
	if err != nil {
		return nil, nil, err
	}
	if !peerIdent.Equal(identity.Public) {
		t.Fatal("client recovered wrong peripheral identity key")
	}
	return cSession, pSession, nil
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	clientSession, peripheralSession, err := runHandshake(t, false)
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte("capabilities request")
	frame, err := clientSession.Encrypt(plain)
	if err != nil {
		t.Fatal(err)
	}
	got, err := peripheralSession.Decrypt(frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plain) {
		t.Fatalf("got %q, want %q", got, plain)
	}

	reply := []byte("capabilities response")
	frame2, err := peripheralSession.Encrypt(reply)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := clientSession.Decrypt(frame2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got2) != string(reply) {
		t.Fatalf("got %q, want %q", got2, reply)
	}
}

func TestHandshakeSucceedsWithPreTrustedIdentity(t *testing.T) {
	if _, _, err := runHandshake(t, true); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeRejectsMismatchedTrustedIdentity(t *testing.T) {
	wrong := newTestIdentity(t)
	identity := newTestIdentity(t)

	peripheral := NewPeripheralHandshake(identity)
	client := NewClientHandshake(wrong.Public)

	step1, err := client.BuildStep1()
	if err != nil {
		t.Fatal(err)
	}
	step2, err := peripheral.HandleStep1(step1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.HandleStep2(step2); err == nil {
		t.Fatal("expected rejection of a peripheral identity key that does not match the trusted key")
	}
}

func TestHandshakeRejectsCorruptedStep3Tag(t *testing.T) {
	identity := newTestIdentity(t)
	peripheral := NewPeripheralHandshake(identity)
	client := NewClientHandshake(nil)

	step1, err := client.BuildStep1()
	if err != nil {
		t.Fatal(err)
	}
	step2, err := peripheral.HandleStep1(step1)
	if err != nil {
		t.Fatal(err)
	}
	step3, err := client.HandleStep2(step2)
	if err != nil {
		t.Fatal(err)
	}
	step3[0] ^= 0xFF

	if _, _, err := peripheral.HandleStep3(step3); err == nil {
		t.Fatal("expected rejection of a corrupted step3 confirmation tag")
	}
	var zero derivedKeys
	if peripheral.keys != zero {
		t.Fatal("expected partial key material to be zeroised on abort")
	}
	if peripheral.step != StepIdle {
		t.Fatalf("expected handshake to return to IDLE, got %v", peripheral.step)
	}
}

func TestHandshakeRejectsOutOfOrderMessages(t *testing.T) {
	identity := newTestIdentity(t)
	peripheral := NewPeripheralHandshake(identity)

	if _, _, err := peripheral.HandleStep3(make([]byte, Step3Size)); err == nil {
		t.Fatal("expected error when step3 arrives before step1")
	}
}
