package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telechubbiies/identity/pkg/credentials"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/permissions"
)

func newTestTokenService(t *testing.T) (*TokenService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := NewDevSigner("test-key", "https://id.example.com")
	require.NoError(t, err)

	ttls := TokenTTLs{Access: 15 * time.Minute, Refresh: 7 * 24 * time.Hour, IDToken: time.Hour}
	service := NewTokenService(db, signer, directory.NewStore(db), permissions.NewResolver(db), ttls, nil, nil)
	return service, mock
}

func tokenTestUser() *directory.User {
	return &directory.User{
		ID:       uuid.New(),
		Email:    "ada@example.com",
		Name:     "Ada Lovelace",
		IsActive: true,
	}
}

func refreshColumns() []string {
	return []string{"id", "token_hash", "user_id", "client_id", "scopes", "revoked", "expires_at", "created_at"}
}

func refreshRow(tokenHash string, userID uuid.UUID, clientID string, revoked bool, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(refreshColumns()).AddRow(
		uuid.New(), tokenHash, userID, clientID, "{openid,email}", revoked, expiresAt, time.Now(),
	)
}

func userRow(user *directory.User) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "is_system_owner", "is_active", "created_at", "updated_at", "last_login_at"}).
		AddRow(user.ID, user.Email, user.Name, "hash", user.IsSystemOwner, user.IsActive, now, now, nil)
}

func TestIssueAccessTokenClaims(t *testing.T) {
	service, _ := newTestTokenService(t)
	user := tokenTestUser()
	client := &Client{ClientID: "tc_abc"}

	token, err := service.IssueAccessToken(user, client, []string{ScopeOpenID, ScopeEmail})
	require.NoError(t, err)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"tc_abc"}, claims.Audience)
	assert.Equal(t, "openid email", claims.Scope)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueTokensIncludesIDTokenForOpenID(t *testing.T) {
	service, mock := newTestTokenService(t)
	user := tokenTestUser()
	client := &Client{ClientID: "tc_abc"}

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := service.IssueTokens(context.Background(), user, client, []string{ScopeOpenID, ScopeEmail}, time.Now(), "nonce-123")
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 900, resp.ExpiresIn)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	require.NotEmpty(t, resp.IDToken)

	idClaims := jwt.MapClaims{}
	require.NoError(t, service.Signer().Verify(resp.IDToken, &idClaims))
	assert.Equal(t, user.ID.String(), idClaims["sub"])
	assert.Equal(t, "nonce-123", idClaims["nonce"])
	assert.Equal(t, user.Email, idClaims["email"])
	assert.Equal(t, true, idClaims["email_verified"])
	// profile was not granted, so name stays out entirely.
	_, hasName := idClaims["name"]
	assert.False(t, hasName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueTokensSkipsIDTokenWithoutOpenID(t *testing.T) {
	service, mock := newTestTokenService(t)
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := service.IssueTokens(context.Background(), tokenTestUser(), &Client{ClientID: "tc_abc"},
		[]string{ScopeEmail}, time.Now(), "")
	require.NoError(t, err)
	assert.Empty(t, resp.IDToken)
}

func TestIDTokenResolvesTeamClaims(t *testing.T) {
	service, mock := newTestTokenService(t)
	user := tokenTestUser()
	teamID := uuid.New()

	mock.ExpectQuery("FROM teams t").
		WithArgs(user.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name"}).
			AddRow(teamID, "engineering", "Engineering"))

	token, err := service.IssueIDToken(context.Background(), user, &Client{ClientID: "tc_abc"},
		[]string{ScopeOpenID, ScopeTeams}, time.Now(), "")
	require.NoError(t, err)

	idClaims := jwt.MapClaims{}
	require.NoError(t, service.Signer().Verify(token, &idClaims))
	teams, ok := idClaims["teams"].([]interface{})
	require.True(t, ok)
	require.Len(t, teams, 1)
	team := teams[0].(map[string]interface{})
	assert.Equal(t, "engineering", team["team_slug"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRotatesToken(t *testing.T) {
	service, mock := newTestTokenService(t)
	user := tokenTestUser()
	plaintext := "refresh-plaintext"
	hash := credentials.HashToken(plaintext)

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, user.ID, "tc_abc", false, time.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE token_hash").
		WithArgs(hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM users").WithArgs(user.ID).WillReturnRows(userRow(user))
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := service.Refresh(context.Background(), plaintext)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEqual(t, plaintext, resp.RefreshToken)
	assert.Equal(t, "openid email", resp.Scope)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshDetectsReuseOfRevokedToken(t *testing.T) {
	service, mock := newTestTokenService(t)
	plaintext := "stolen-refresh"
	hash := credentials.HashToken(plaintext)
	userID := uuid.New()

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, userID, "tc_abc", true, time.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE user_id").
		WithArgs(userID, "tc_abc").
		WillReturnResult(sqlmock.NewResult(0, 2))

	_, err := service.Refresh(context.Background(), plaintext)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Contains(t, err.Error(), "revoked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshLosesRotationRace(t *testing.T) {
	service, mock := newTestTokenService(t)
	plaintext := "contended-refresh"
	hash := credentials.HashToken(plaintext)

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, uuid.New(), "tc_abc", false, time.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE token_hash").
		WithArgs(hash).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := service.Refresh(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	service, mock := newTestTokenService(t)
	plaintext := "aged-refresh"
	hash := credentials.HashToken(plaintext)

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, uuid.New(), "tc_abc", false, time.Now().Add(-time.Hour)))

	_, err := service.Refresh(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	service, mock := newTestTokenService(t)
	mock.ExpectQuery("FROM refresh_tokens").WillReturnRows(sqlmock.NewRows(refreshColumns()))

	_, err := service.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	service, mock := newTestTokenService(t)
	user := tokenTestUser()
	user.IsActive = false
	plaintext := "refresh-plaintext"
	hash := credentials.HashToken(plaintext)

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, user.ID, "tc_abc", false, time.Now().Add(time.Hour)))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE token_hash").
		WithArgs(hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM users").WithArgs(user.ID).WillReturnRows(userRow(user))

	_, err := service.Refresh(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeIsIdempotent(t *testing.T) {
	service, mock := newTestTokenService(t)
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE token_hash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, service.Revoke(context.Background(), "already-gone"))
}

func TestIntrospectAccessToken(t *testing.T) {
	service, _ := newTestTokenService(t)
	user := tokenTestUser()

	token, err := service.IssueAccessToken(user, &Client{ClientID: "tc_abc"}, []string{ScopeOpenID})
	require.NoError(t, err)

	resp := service.Introspect(context.Background(), token)
	assert.True(t, resp.Active)
	assert.Equal(t, "access_token", resp.TokenType)
	assert.Equal(t, user.ID.String(), resp.Subject)
	assert.Equal(t, "tc_abc", resp.ClientID)
}

func TestIntrospectRefreshToken(t *testing.T) {
	service, mock := newTestTokenService(t)
	userID := uuid.New()
	plaintext := "refresh-plaintext"
	hash := credentials.HashToken(plaintext)

	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, userID, "tc_abc", false, time.Now().Add(time.Hour)))

	resp := service.Introspect(context.Background(), plaintext)
	assert.True(t, resp.Active)
	assert.Equal(t, "refresh_token", resp.TokenType)
	assert.Equal(t, userID.String(), resp.Subject)
}

func TestIntrospectInactiveForRevokedOrUnknown(t *testing.T) {
	service, mock := newTestTokenService(t)

	mock.ExpectQuery("FROM refresh_tokens").WillReturnRows(sqlmock.NewRows(refreshColumns()))
	assert.False(t, service.Introspect(context.Background(), "garbage").Active)

	hash := credentials.HashToken("revoked-token")
	mock.ExpectQuery("FROM refresh_tokens").
		WithArgs(hash).
		WillReturnRows(refreshRow(hash, uuid.New(), "tc_abc", true, time.Now().Add(time.Hour)))
	assert.False(t, service.Introspect(context.Background(), "revoked-token").Active)
}
