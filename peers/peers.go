// Package peers implements a trust-on-first-use cache of peripheral
// identity keys, grounded on the teacher's krd/ssh_agent.go host-auth
// callback cache and krd/known_host.go host-key bookkeeping, adapted
// from an ssh known_hosts model to BLE peripheral identities.
package peers

import (
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity bounds how many distinct peripheral identities a
// client remembers at once, matching the 128-entry caches the teacher
// sizes its request-correlation LRUs to.
const DefaultCapacity = 128

// Store records, per BLE peripheral address, the Ed25519 identity
// public key presented at first successful handshake. A later
// handshake from the same address that reports a different key is
// refused by the caller (the crypto package never weakens this: the
// Store only decides whether the reported key should be accepted, the
// signature over the handshake transcript is still verified against
// whatever key the caller supplies).
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewStore builds a Store with capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("peers: building LRU cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Lookup returns the trusted identity key for addr, if any has been
// recorded.
func (s *Store) Lookup(addr string) (identityKey []byte, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(addr)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Remember records addr's identity key as trusted. It is idempotent
// for an unchanged key and overwrites silently for a changed one; the
// caller is expected to have already decided (e.g. by prompting a
// user, or by refusing outright) whether an identity change is
// acceptable before calling Remember again.
func (s *Store) Remember(addr string, identityKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := append([]byte(nil), identityKey...)
	s.cache.Add(addr, stored)
}

// Forget removes any trust record for addr, forcing the next
// handshake with that address back into trust-on-first-use.
func (s *Store) Forget(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(addr)
}

// String renders an identity key for logging/diagnostics as the same
// lowercase hex form the teacher's pairing code uses for key material.
func String(identityKey []byte) string {
	return hex.EncodeToString(identityKey)
}
