package peers

import (
	"crypto/sha256"

	uuid "github.com/satori/go.uuid"
)

// SessionID derives a stable, low-cardinality identifier for a
// peripheral identity key, for use in log lines and diagnostics where
// printing the full 32-byte key is noise. Grounded on pair.go's
// PairingSecret.DeriveUUID: a SHA-256 digest of the key material,
// truncated to the 16 bytes a UUID needs.
func SessionID(identityKey []byte) (uuid.UUID, error) {
	digest := sha256.Sum256(identityKey)
	return uuid.FromBytes(digest[0:16])
}
