package oauth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevSignerRoundTrip(t *testing.T) {
	signer, err := NewDevSigner("test-key-1", "https://id.example.com")
	require.NoError(t, err)

	now := time.Now()
	claims := &AccessClaims{
		Scope: "openid email",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signer.Issuer(),
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{"tc_abc"},
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := signer.Sign(claims)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	parsed := &AccessClaims{}
	require.NoError(t, signer.Verify(token, parsed))
	assert.Equal(t, "user-1", parsed.Subject)
	assert.Equal(t, "openid email", parsed.Scope)
	assert.Equal(t, jwt.ClaimStrings{"tc_abc"}, parsed.Audience)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer, err := NewDevSigner("test-key-1", "https://id.example.com")
	require.NoError(t, err)

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	err = signer.Verify(token, &AccessClaims{})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	signerA, err := NewDevSigner("key-a", "https://id.example.com")
	require.NoError(t, err)
	signerB, err := NewDevSigner("key-b", "https://id.example.com")
	require.NoError(t, err)

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := signerA.Sign(claims)
	require.NoError(t, err)

	err = signerB.Verify(token, &AccessClaims{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSignerFromGeneratedPEM(t *testing.T) {
	privatePEM, publicPEM, err := GenerateKeyPair()
	require.NoError(t, err)

	signer, err := NewSigner(privatePEM, publicPEM, "pem-key", "https://id.example.com")
	require.NoError(t, err)

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := signer.Sign(claims)
	require.NoError(t, err)
	require.NoError(t, signer.Verify(token, &AccessClaims{}))
}

func TestNewSignerRejectsGarbagePEM(t *testing.T) {
	_, err := NewSigner("not a key", "not a key", "kid", "https://id.example.com")
	assert.Error(t, err)
}

func TestJWKSDocument(t *testing.T) {
	signer, err := NewDevSigner("jwks-key", "https://id.example.com")
	require.NoError(t, err)

	doc := signer.JWKS()
	require.Len(t, doc.Keys, 1)
	key := doc.Keys[0]
	assert.Equal(t, "RSA", key.KeyType)
	assert.Equal(t, "sig", key.Use)
	assert.Equal(t, "jwks-key", key.KeyID)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.NotEmpty(t, key.Modulus)
	assert.NotEmpty(t, key.Exponent)
}
