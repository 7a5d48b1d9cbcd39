package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// AuthorizationCodeBytes is the entropy of an authorization code.
	AuthorizationCodeBytes = 32
	// RefreshTokenBytes is the entropy of a refresh token.
	RefreshTokenBytes = 48
	// ClientSecretBytes is the entropy of an OAuth client secret.
	ClientSecretBytes = 32
	// InvitationTokenBytes is the entropy of an invitation token.
	InvitationTokenBytes = 32
)

// GenerateToken returns an opaque URL-safe token built from n random
// bytes, along with its SHA-256 hex digest for storage. The plaintext
// is returned exactly once and must never be persisted.
func GenerateToken(n int) (token string, tokenHash string, err error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(randomBytes)
	tokenHash = HashToken(token)
	return token, tokenHash, nil
}

// HashToken computes the SHA-256 hex digest of a token for lookup.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GenerateClientID returns an OAuth client identifier of the form
// tc_<32 hex chars>.
func GenerateClientID() (string, error) {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return "tc_" + hex.EncodeToString(randomBytes), nil
}

// ConstantTimeEquals compares two strings in constant time.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
