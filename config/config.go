// Package config gathers the compile-time-constant configuration
// spec.md §6 describes (buffer sizes, timeouts, identity material)
// into runtime-loadable Go structs, in the same spirit as the
// teacher's DefaultTimeouts table.
package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Defaults mirror spec.md §6's configuration table.
const (
	DefaultAssemblerBufSize       = 4096
	DefaultMaxResponsePayloadSize = 4096
	DefaultTimeoutMS              = 10000
	DefaultDeviceName             = "blerpc"
	DefaultMaxFlashReadAddress    = 0 // 0 == unbounded
	// DefaultMTU is the ATT MTU (including ATTOverhead) assumed when no
	// real MTU-exchange has taken place, e.g. blerpcd/blerpcctl's Unix
	// control socket stand-in transport.
	DefaultMTU = 247
)

// Config is the daemon/client-side configuration surface, equivalent
// to the peripheral firmware's Kconfig-style constants.
type Config struct {
	// AssemblerBufSize bounds the largest logical (reassembled)
	// payload, both directions.
	AssemblerBufSize int
	// MaxResponsePayloadSize is the server's cap on a handler's
	// encoded response before the dispatcher emits RESPONSE_TOO_LARGE.
	MaxResponsePayloadSize int
	// TimeoutMS is the default per-request timeout reported to
	// clients and used as the server's own bookkeeping default.
	TimeoutMS int
	// Encryption toggles whether the server advertises
	// ENCRYPTION_SUPPORTED and accepts KEY_EXCHANGE control frames.
	Encryption bool
	// RequireEncryption makes the server refuse plaintext requests
	// (CONTROL/ERROR code NOT_ENCRYPTED_WHEN_REQUIRED) until a key
	// exchange has completed. Control frames are exempt so the
	// handshake itself can still run. Implies Encryption.
	RequireEncryption bool
	// Ed25519PrivateKeySeed is the peripheral's 32-byte identity seed,
	// required when Encryption is true.
	Ed25519PrivateKeySeed [32]byte
	// DeviceName is the advertised BLE device name.
	DeviceName string
	// MaxFlashReadAddress bounds the flash_read example handler; zero
	// means unbounded (the handler instead trusts the FlashReader's
	// own size).
	MaxFlashReadAddress uint32
}

// Default returns the configuration spec.md §6's "default" column
// implies, with encryption off.
func Default() Config {
	return Config{
		AssemblerBufSize:       DefaultAssemblerBufSize,
		MaxResponsePayloadSize: DefaultMaxResponsePayloadSize,
		TimeoutMS:              DefaultTimeoutMS,
		Encryption:             false,
		DeviceName:             DefaultDeviceName,
		MaxFlashReadAddress:    DefaultMaxFlashReadAddress,
	}
}

// Timeout returns TimeoutMS as a time.Duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SetEd25519PrivateKeyHex parses a 64-hex-character seed, per spec.md
// §6's ED25519_PRIVATE_KEY field, and enables Encryption.
func (c *Config) SetEd25519PrivateKeyHex(hexSeed string) error {
	raw, err := hex.DecodeString(hexSeed)
	if err != nil {
		return fmt.Errorf("config: ED25519_PRIVATE_KEY is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("config: ED25519_PRIVATE_KEY must decode to 32 bytes, got %d", len(raw))
	}
	copy(c.Ed25519PrivateKeySeed[:], raw)
	c.Encryption = true
	return nil
}

// Validate checks the invariants spec.md §6 implies: a sane buffer
// size, and identity material present whenever encryption is enabled.
func (c Config) Validate() error {
	if c.AssemblerBufSize < 1 {
		return fmt.Errorf("config: ASSEMBLER_BUF_SIZE must be positive")
	}
	if c.MaxResponsePayloadSize < 1 {
		return fmt.Errorf("config: MAX_RESPONSE_PAYLOAD_SIZE must be positive")
	}
	if c.RequireEncryption && !c.Encryption {
		return fmt.Errorf("config: REQUIRE_ENCRYPTION implies ENCRYPTION")
	}
	if c.Encryption {
		zero := [32]byte{}
		if c.Ed25519PrivateKeySeed == zero {
			return fmt.Errorf("config: ED25519_PRIVATE_KEY is required when ENCRYPTION is on")
		}
	}
	return nil
}

// TimeoutPhases mirrors the teacher's two-stage alert/fail timeout
// model (timeouts.go): a client-visible "taking a while" alert point,
// followed by a hard failure point.
type TimeoutPhases struct {
	Alert time.Duration
	Fail  time.Duration
}

// Timeouts groups phase tables per operation kind. blerpc has three
// kinds: a unary Call, a long-lived stream, and each key-exchange
// handshake step.
type Timeouts struct {
	Call      TimeoutPhases
	Stream    TimeoutPhases
	Handshake TimeoutPhases
}

// DefaultTimeouts mirrors spec.md §6's TIMEOUT_MS=10000 default for
// unary calls, spec.md §5's 5s-per-handshake-step default, and a more
// permissive phase table for streams (which are expected to idle
// between pushes).
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Call: TimeoutPhases{
			Alert: 5 * time.Second,
			Fail:  10 * time.Second,
		},
		Stream: TimeoutPhases{
			Alert: 15 * time.Second,
			Fail:  60 * time.Second,
		},
		Handshake: TimeoutPhases{
			Alert: 2 * time.Second,
			Fail:  5 * time.Second,
		},
	}
}
