package credentials

import (
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	token, hash, err := GenerateToken(RefreshTokenBytes)
	require.NoError(t, err)

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, decoded, RefreshTokenBytes)

	// 32-byte sha256 digest in hex.
	assert.Len(t, hash, 64)
	assert.Equal(t, HashToken(token), hash)
}

func TestGenerateTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, err := GenerateToken(AuthorizationCodeBytes)
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token generated")
		seen[token] = true
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
}

func TestGenerateClientID(t *testing.T) {
	id, err := GenerateClientID()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^tc_[0-9a-f]{32}$`), id)
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("token", "token"))
	assert.False(t, ConstantTimeEquals("token", "other"))
	assert.False(t, ConstantTimeEquals("token", "token2"))
}
