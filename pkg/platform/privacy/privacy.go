// Package privacy keeps personal identifiers out of logs, caches and events.
package privacy

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const redactedLen = 12

// DigestKey returns the full hex blake2b-256 digest of a lookup key. Use it
// where uniqueness matters, such as cache keys.
func DigestKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RedactKey returns a short stable digest of a lookup key (typically a
// national ID). The same key always yields the same digest, so log lines can
// still be correlated without exposing the identifier.
func RedactKey(key string) string {
	if key == "" {
		return ""
	}
	return "k_" + DigestKey(key)[:redactedLen]
}
