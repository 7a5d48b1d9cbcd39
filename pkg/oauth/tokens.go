package oauth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/telechubbiies/identity/pkg/audit"
	"github.com/telechubbiies/identity/pkg/credentials"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/permissions"
)

// DirectGrantAudience is the audience used for tokens issued by the
// direct login flow, where no third-party client is involved.
const DirectGrantAudience = "identity"

// AccessClaims are the claims carried by a signed access token.
type AccessClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenTTLs bundles the lifetimes of the three token kinds.
type TokenTTLs struct {
	Access  time.Duration
	Refresh time.Duration
	IDToken time.Duration
}

// TokenService issues and validates access tokens, rotating refresh
// tokens and OIDC ID tokens. ID token claims are assembled on demand
// from the entity graph, so role and permission edits show up in the
// very next token.
type TokenService struct {
	db       *sql.DB
	signer   *Signer
	users    *directory.Store
	resolver *permissions.Resolver
	metrics  *observability.Metrics
	audit    audit.Logger
	ttls     TokenTTLs
}

// NewTokenService creates a token service. Metrics and audit may be nil.
func NewTokenService(db *sql.DB, signer *Signer, users *directory.Store, resolver *permissions.Resolver, ttls TokenTTLs, metrics *observability.Metrics, auditLog audit.Logger) *TokenService {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &TokenService{
		db:       db,
		signer:   signer,
		users:    users,
		resolver: resolver,
		metrics:  metrics,
		audit:    auditLog,
		ttls:     ttls,
	}
}

// Signer exposes the signing key for discovery and JWKS handlers.
func (s *TokenService) Signer() *Signer {
	return s.signer
}

// AccessTokenTTL returns the access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.ttls.Access
}

// RefreshTokenTTL returns the refresh token lifetime.
func (s *TokenService) RefreshTokenTTL() time.Duration {
	return s.ttls.Refresh
}

// IssueAccessToken produces a signed, short-lived access token whose
// audience is the client and whose scope is the granted scope.
func (s *TokenService) IssueAccessToken(user *directory.User, client *Client, scopes []string) (string, error) {
	now := time.Now()
	claims := &AccessClaims{
		Scope: JoinScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.signer.Issuer(),
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings{client.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttls.Access)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to sign access token")
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("access").Inc()
	}
	return token, nil
}

// IssueIDToken assembles OIDC claims for the user, each gated by its
// scope. A scope that was not granted omits its claim entirely rather
// than emitting it empty.
func (s *TokenService) IssueIDToken(ctx context.Context, user *directory.User, client *Client, scopes []string, authTime time.Time, nonce string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       s.signer.Issuer(),
		"sub":       user.ID.String(),
		"aud":       client.ClientID,
		"exp":       now.Add(s.ttls.IDToken).Unix(),
		"iat":       now.Unix(),
		"auth_time": authTime.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if ContainsScope(scopes, ScopeProfile) {
		claims["name"] = user.Name
	}
	if ContainsScope(scopes, ScopeEmail) {
		claims["email"] = user.Email
		claims["email_verified"] = true
	}
	if ContainsScope(scopes, ScopeTeams) {
		teams, err := s.resolver.UserTeams(ctx, user.ID)
		if err != nil {
			return "", NewError(ErrorServerError, "failed to resolve teams")
		}
		claims["teams"] = teams
	}
	if ContainsScope(scopes, ScopeRoles) {
		roles, err := s.resolver.UserRoles(ctx, user.ID)
		if err != nil {
			return "", NewError(ErrorServerError, "failed to resolve roles")
		}
		claims["roles"] = roles
	}
	if ContainsScope(scopes, ScopeWorkspaces) {
		workspaces, err := s.resolver.UserWorkspaces(ctx, user.ID)
		if err != nil {
			return "", NewError(ErrorServerError, "failed to resolve workspaces")
		}
		claims["workspaces"] = workspaces
	}
	if ContainsScope(scopes, ScopePermissions) {
		perms, err := s.resolver.ResolveUserPermissions(ctx, user.ID)
		if err != nil {
			return "", NewError(ErrorServerError, "failed to resolve permissions")
		}
		claims["permissions"] = perms
	}

	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to sign id token")
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("id").Inc()
	}
	return token, nil
}

// IssueRefreshToken stores a new refresh token hash and returns the
// plaintext exactly once.
func (s *TokenService) IssueRefreshToken(ctx context.Context, user *directory.User, client *Client, scopes []string) (string, error) {
	token, tokenHash, err := credentials.GenerateToken(credentials.RefreshTokenBytes)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to generate refresh token")
	}

	clientID := ""
	if client != nil {
		clientID = client.ClientID
	}

	query := `
		INSERT INTO refresh_tokens (id, token_hash, user_id, client_id, scopes, revoked, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7)
	`
	now := time.Now()
	_, err = s.db.ExecContext(ctx, query,
		uuid.New(), tokenHash, user.ID, clientID, pq.Array(scopes),
		now.Add(s.ttls.Refresh), now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	}
	return token, nil
}

// IssueTokens mints the full token response for a grant: access token,
// refresh token and, when openid was granted with an ID-token-bearing
// flow, the ID token.
func (s *TokenService) IssueTokens(ctx context.Context, user *directory.User, client *Client, scopes []string, authTime time.Time, nonce string) (*TokenResponse, error) {
	accessToken, err := s.IssueAccessToken(user, client, scopes)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.IssueRefreshToken(ctx, user, client, scopes)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.ttls.Access.Seconds()),
		RefreshToken: refreshToken,
		Scope:        JoinScopes(scopes),
	}

	if ContainsScope(scopes, ScopeOpenID) {
		idToken, err := s.IssueIDToken(ctx, user, client, scopes, authTime, nonce)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// Refresh rotates a refresh token: the old token is revoked and a new
// refresh token plus access token are issued in its place. A revoked
// token presented again is treated as possible theft and logged
// distinctly from ordinary expiry.
func (s *TokenService) Refresh(ctx context.Context, plaintext string) (*TokenResponse, error) {
	stored, err := s.lookupRefreshToken(ctx, credentials.HashToken(plaintext))
	if err != nil {
		return nil, err
	}

	if stored.Revoked {
		return nil, s.reuseDetected(ctx, stored)
	}
	if stored.IsExpired() {
		return nil, NewError(ErrorInvalidGrant, "refresh token expired")
	}

	// Exactly-once rotation: one of any number of concurrent refresh
	// attempts wins this conditional update.
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1 AND revoked = false`,
		stored.TokenHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the race; the token was revoked underneath us.
		return nil, s.reuseDetected(ctx, stored)
	}

	user, err := s.users.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, NewError(ErrorInvalidGrant, "user no longer exists")
	}
	if !user.IsActive {
		return nil, NewError(ErrorInvalidGrant, "user is deactivated")
	}

	client := &Client{ClientID: stored.ClientID}
	if client.ClientID == "" {
		client.ClientID = DirectGrantAudience
	}

	accessToken, err := s.IssueAccessToken(user, client, stored.Scopes)
	if err != nil {
		return nil, err
	}
	var storageClient *Client
	if stored.ClientID != "" {
		storageClient = &Client{ClientID: stored.ClientID}
	}
	newRefresh, err := s.IssueRefreshToken(ctx, user, storageClient, stored.Scopes)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RefreshRotationsTotal.Inc()
	}
	s.logEvent(ctx, audit.NewEvent(audit.EventTypeAuthTokenRefresh, audit.EventStatusSuccess).
		WithActor(user.ID, user.Email).
		WithResource(audit.ResourceTypeToken, stored.ID.String(), ""))

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.ttls.Access.Seconds()),
		RefreshToken: newRefresh,
		Scope:        JoinScopes(stored.Scopes),
	}, nil
}

// Revoke marks a refresh token revoked. Revoking an unknown or
// already-revoked token is not an error, per OAuth revocation
// semantics.
func (s *TokenService) Revoke(ctx context.Context, plaintext string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE token_hash = $1`,
		credentials.HashToken(plaintext),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every outstanding refresh token of a user.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND revoked = false`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return nil
}

// ValidateAccessToken verifies a bearer token's signature and expiry.
func (s *TokenService) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.signer.Verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Introspect reports a token's state without mutating anything. Signed
// access tokens are checked first, then the refresh token store.
func (s *TokenService) Introspect(ctx context.Context, token string) *IntrospectionResponse {
	if claims, err := s.ValidateAccessToken(token); err == nil {
		resp := &IntrospectionResponse{
			Active:    true,
			Scope:     claims.Scope,
			Subject:   claims.Subject,
			TokenType: "access_token",
		}
		if len(claims.Audience) > 0 {
			resp.ClientID = claims.Audience[0]
		}
		if claims.ExpiresAt != nil {
			resp.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			resp.IssuedAt = claims.IssuedAt.Unix()
		}
		return resp
	}

	stored, err := s.lookupRefreshToken(ctx, credentials.HashToken(token))
	if err != nil || stored.Revoked || stored.IsExpired() {
		return &IntrospectionResponse{Active: false}
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     JoinScopes(stored.Scopes),
		ClientID:  stored.ClientID,
		Subject:   stored.UserID.String(),
		TokenType: "refresh_token",
		ExpiresAt: stored.ExpiresAt.Unix(),
		IssuedAt:  stored.CreatedAt.Unix(),
	}
}

// CleanupExpired removes refresh tokens past their expiry.
// Housekeeping only; expiry is always enforced lazily at use time.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up refresh tokens: %w", err)
	}
	return result.RowsAffected()
}

func (s *TokenService) lookupRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT id, token_hash, user_id, client_id, scopes, revoked, expires_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	stored := &RefreshToken{}
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&stored.ID, &stored.TokenHash, &stored.UserID, &stored.ClientID,
		pq.Array(&stored.Scopes), &stored.Revoked, &stored.ExpiresAt, &stored.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, NewError(ErrorInvalidGrant, "unknown refresh token")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return stored, nil
}

func (s *TokenService) reuseDetected(ctx context.Context, stored *RefreshToken) error {
	if s.metrics != nil {
		s.metrics.RefreshReuseDetectedTotal.Inc()
	}
	// A revoked token reappearing means the rotation chain leaked.
	// Kill every live descendant for this user and client.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE user_id = $1 AND client_id = $2 AND revoked = false`,
		stored.UserID, stored.ClientID,
	); err != nil {
		s.logEvent(ctx, audit.NewEvent(audit.EventTypeAuthRefreshReuse, audit.EventStatusFailure).
			WithActor(stored.UserID, "").
			WithMessage("failed to revoke token chain after reuse"))
		return fmt.Errorf("failed to revoke token chain: %w", err)
	}
	s.logEvent(ctx, audit.NewEvent(audit.EventTypeAuthRefreshReuse, audit.EventStatusDenied).
		WithActor(stored.UserID, "").
		WithResource(audit.ResourceTypeToken, stored.ID.String(), "").
		WithMeta("client_id", stored.ClientID).
		WithMessage("revoked refresh token presented again"))
	return NewError(ErrorInvalidGrant, "refresh token has been revoked")
}

func (s *TokenService) logEvent(ctx context.Context, event *audit.Event) {
	_ = s.audit.Log(ctx, event)
}
