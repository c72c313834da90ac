package solarman

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPassword derives the digest the portal's password field expects: the
// lowercase hex SHA-256 of the clear password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
