package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSetEd25519PrivateKeyHex(t *testing.T) {
	cfg := Default()
	seedHex := strings.Repeat("ab", 32)
	if err := cfg.SetEd25519PrivateKeyHex(seedHex); err != nil {
		t.Fatal(err)
	}
	if !cfg.Encryption {
		t.Fatal("expected Encryption enabled after setting a key")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSetEd25519PrivateKeyHexRejectsBadInput(t *testing.T) {
	cfg := Default()
	if err := cfg.SetEd25519PrivateKeyHex("zz"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if err := cfg.SetEd25519PrivateKeyHex("abcd"); err == nil {
		t.Fatal("expected error for a seed shorter than 32 bytes")
	}
}

func TestValidateRequiresKeyWhenEncryptionOn(t *testing.T) {
	cfg := Default()
	cfg.Encryption = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with no identity key")
	}
}

func TestValidateRequireEncryptionImpliesEncryption(t *testing.T) {
	cfg := Default()
	cfg.RequireEncryption = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail when REQUIRE_ENCRYPTION is set without ENCRYPTION")
	}
}
