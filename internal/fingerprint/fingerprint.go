// Package fingerprint derives the content identity of a submitted file.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Fingerprint is the lowercase hex SHA-256 digest of a submission.
// Lexicographic order on the hex string matches byte order of the digest.
type Fingerprint string

// Of computes the fingerprint of data.
func Of(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Parse validates a hex fingerprint and normalizes it to lowercase.
func Parse(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != Size {
		return "", fmt.Errorf("fingerprint must be %d hex chars, got %d", Size, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("fingerprint is not hex: %w", err)
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) String() string { return string(f) }

// Short returns a log-friendly prefix.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
