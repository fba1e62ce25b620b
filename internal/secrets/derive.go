package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations follows the 2023 OWASP recommendation for
	// PBKDF2-HMAC-SHA256. Derivation runs once per unlock, not per row,
	// so the cost is paid at startup only.
	pbkdf2Iterations = 600_000

	kekSize  = 32
	saltSize = 16
)

// DeriveKEK stretches a passphrase into a 32-byte KEK.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, kekSize, sha256.New)
}

// NewSalt returns a fresh random KEK salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// CheckHash returns the hex SHA-256 of a KEK. The hash is stored next to the
// salt so a wrong passphrase is detected deterministically at unlock instead
// of surfacing later as a row-level decrypt failure.
func CheckHash(kek []byte) string {
	sum := sha256.Sum256(kek)
	return hex.EncodeToString(sum[:])
}
