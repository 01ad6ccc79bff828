package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 credential hashing parameters
const (
	pbkdf2Iterations = 210000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16
)

// HashToken derives a salted PBKDF2-SHA256 hash of the given credential.
// Returns the encoded hash in the format: $pbkdf2-sha256$i=<iterations>$<salt_b64>$<hash_b64>
func HashToken(token string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(token), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s", pbkdf2Iterations, b64Salt, b64Hash), nil
}

// VerifyToken checks a credential against an encoded PBKDF2 hash in constant
// time with respect to the derived key bytes.
func VerifyToken(token, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	// encoded format: $pbkdf2-sha256$i=<iterations>$<salt>$<hash>
	if len(parts) != 5 || parts[1] != "pbkdf2-sha256" {
		return false, fmt.Errorf("bad encoded hash format")
	}

	var iterations int
	if _, err := fmt.Sscanf(parts[2], "i=%d", &iterations); err != nil || iterations <= 0 {
		return false, fmt.Errorf("bad iteration count in encoded hash")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	derived := pbkdf2.Key([]byte(token), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1, nil
}

// dummyTokenHash is a fixed well-formed hash used to equalize verification
// cost when the claimed device identity does not exist.
var dummyTokenHash = func() string {
	h, err := HashToken("scanhub-dummy-credential")
	if err != nil {
		panic(err)
	}
	return h
}()

// VerifyDummyToken runs a full verification against a throwaway hash so the
// unknown-identity path costs the same as a real credential check. The result
// is always false.
func VerifyDummyToken(token string) bool {
	_, _ = VerifyToken(token, dummyTokenHash)
	return false
}
