package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// handleBytes is the number of hash bytes kept in a handle. 16 bytes of
// SHA-256 output is far beyond collision range for any realistic user count.
const handleBytes = 16

// Normalize canonicalizes a user identity. Identities are email-like strings
// compared case-insensitively, so two spellings of the same address must
// normalize to the same value.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate reports whether the identity looks like a usable email address.
// This is deliberately loose; the portal is the authority on real accounts.
func Validate(email string) error {
	n := Normalize(email)
	if n == "" {
		return fmt.Errorf("identity is empty")
	}
	at := strings.Index(n, "@")
	if at <= 0 || at == len(n)-1 {
		return fmt.Errorf("identity %q is not an email address", n)
	}
	return nil
}

// Handle derives the storage partition key for an identity. The handle is
// stable across processes and cannot be reversed to the email.
func Handle(email string) string {
	sum := sha256.Sum256([]byte(Normalize(email)))
	return hex.EncodeToString(sum[:handleBytes])
}
