package oauth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/telechubbiies/identity/pkg/audit"
	"github.com/telechubbiies/identity/pkg/credentials"
	"github.com/telechubbiies/identity/pkg/observability"
)

// CodeManager drives the authorization-code state machine:
// issued, then exactly one of consumed or expired.
type CodeManager struct {
	db      *sql.DB
	ttl     time.Duration
	metrics *observability.Metrics
	audit   audit.Logger
}

// NewCodeManager creates an authorization code manager. Metrics and
// audit may be nil.
func NewCodeManager(db *sql.DB, ttl time.Duration, metrics *observability.Metrics, auditLog audit.Logger) *CodeManager {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &CodeManager{db: db, ttl: ttl, metrics: metrics, audit: auditLog}
}

// Issue mints a single-use code for the client/user pair. The
// requested scope is intersected with the client's allowed scopes; an
// intersection that drops openid fails with invalid_scope. Public
// clients must present a PKCE challenge here, not just at consume
// time.
func (m *CodeManager) Issue(ctx context.Context, client *Client, userID uuid.UUID, redirectURI string, requestedScopes []string, challenge string, method CodeChallengeMethod, nonce string) (string, error) {
	if !client.ValidateRedirectURI(redirectURI) {
		return "", NewError(ErrorInvalidRequest, "redirect URI is not registered for this client")
	}

	scopes := IntersectScopes(requestedScopes, client.Scopes)
	if !ContainsScope(scopes, ScopeOpenID) {
		return "", NewError(ErrorInvalidScope, "granted scope would not include openid")
	}

	if challenge == "" {
		if client.RequiresPKCE() {
			return "", NewError(ErrorUnauthorizedClient, "public clients must use PKCE")
		}
	} else {
		if method == "" {
			method = ChallengeMethodS256
		}
		if method != ChallengeMethodS256 && method != ChallengeMethodPlain {
			return "", NewError(ErrorInvalidRequest, "unsupported code challenge method %q", method)
		}
	}

	code, codeHash, err := credentials.GenerateToken(credentials.AuthorizationCodeBytes)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to generate authorization code")
	}

	query := `
		INSERT INTO oauth_authorization_codes (id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, nonce, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10, $11)
	`
	now := time.Now()
	_, err = m.db.ExecContext(ctx, query,
		uuid.New(), codeHash, client.ClientID, userID, redirectURI,
		pq.Array(scopes), challenge, string(method), nonce,
		now.Add(m.ttl), now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	if m.metrics != nil {
		m.metrics.AuthorizationCodesIssued.Inc()
	}
	m.logEvent(ctx, audit.NewEvent(audit.EventTypeOAuthCodeIssued, audit.EventStatusSuccess).
		WithActor(userID, "").
		WithResource(audit.ResourceTypeClient, client.ClientID, client.Name).
		WithMeta("scope", JoinScopes(scopes)))

	return code, nil
}

// Consume validates and redeems a code. Any mismatch, expiry or reuse
// fails with invalid_grant; the used flag flips in the same
// conditional update that guards against concurrent redemption, so a
// racing request loses cleanly.
func (m *CodeManager) Consume(ctx context.Context, client *Client, code, redirectURI, verifier string) (*AuthorizationCode, error) {
	stored, err := m.lookup(ctx, credentials.HashToken(code))
	if err != nil {
		return nil, err
	}

	if stored.ClientID != client.ClientID {
		return nil, m.fail(ctx, client, "code was issued to a different client")
	}
	if stored.RedirectURI != redirectURI {
		return nil, m.fail(ctx, client, "redirect URI does not match the issued code")
	}
	if stored.Used {
		return nil, m.fail(ctx, client, "code already used")
	}
	if stored.IsExpired() {
		return nil, m.fail(ctx, client, "code expired")
	}

	if stored.CodeChallenge != "" {
		if verifier == "" {
			return nil, m.pkceFail(ctx, client, stored.UserID, "code verifier is required")
		}
		if !VerifyPKCE(verifier, stored.CodeChallenge, stored.CodeChallengeMethod) {
			return nil, m.pkceFail(ctx, client, stored.UserID, "code verifier does not match challenge")
		}
	} else if client.RequiresPKCE() {
		// Should be unreachable; issue enforces the pairing.
		return nil, NewError(ErrorUnauthorizedClient, "public clients must use PKCE")
	}

	// Exactly-once redemption: the conditional update succeeds for
	// one concurrent request only.
	result, err := m.db.ExecContext(ctx,
		`UPDATE oauth_authorization_codes SET used = true WHERE code_hash = $1 AND used = false`,
		stored.CodeHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark code used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, m.fail(ctx, client, "code already used")
	}

	if m.metrics != nil {
		m.metrics.AuthorizationCodesConsumed.WithLabelValues("success").Inc()
		m.metrics.LoginsTotal.WithLabelValues(audit.LoginMethodOAuth).Inc()
	}
	m.logEvent(ctx, audit.NewEvent(audit.EventTypeOAuthCodeConsumed, audit.EventStatusSuccess).
		WithActor(stored.UserID, "").
		WithResource(audit.ResourceTypeClient, client.ClientID, client.Name))
	// A consumed code is a completed sign-in through the client.
	m.logEvent(ctx, audit.NewEvent(audit.EventTypeAuthLogin, audit.EventStatusSuccess).
		WithActor(stored.UserID, "").
		WithResource(audit.ResourceTypeClient, client.ClientID, client.Name).
		WithMeta("method", audit.LoginMethodOAuth).
		WithMeta("client_name", client.Name))

	stored.Used = true
	return stored, nil
}

// Cleanup removes codes past their expiry. Housekeeping only; expiry
// is always enforced lazily at consume time.
func (m *CodeManager) Cleanup(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up authorization codes: %w", err)
	}
	return result.RowsAffected()
}

func (m *CodeManager) lookup(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	query := `
		SELECT id, code_hash, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, nonce, used, expires_at, created_at
		FROM oauth_authorization_codes
		WHERE code_hash = $1
	`
	stored := &AuthorizationCode{}
	var method string
	err := m.db.QueryRowContext(ctx, query, codeHash).Scan(
		&stored.ID, &stored.CodeHash, &stored.ClientID, &stored.UserID, &stored.RedirectURI,
		pq.Array(&stored.Scopes), &stored.CodeChallenge, &method, &stored.Nonce,
		&stored.Used, &stored.ExpiresAt, &stored.CreatedAt,
	)
	if err == sql.ErrNoRows {
		if m.metrics != nil {
			m.metrics.AuthorizationCodesConsumed.WithLabelValues("invalid").Inc()
		}
		return nil, NewError(ErrorInvalidGrant, "unknown authorization code")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up authorization code: %w", err)
	}
	stored.CodeChallengeMethod = CodeChallengeMethod(method)
	return stored, nil
}

func (m *CodeManager) fail(ctx context.Context, client *Client, description string) error {
	if m.metrics != nil {
		m.metrics.AuthorizationCodesConsumed.WithLabelValues("invalid").Inc()
	}
	m.logEvent(ctx, audit.NewEvent(audit.EventTypeOAuthCodeConsumed, audit.EventStatusFailure).
		WithResource(audit.ResourceTypeClient, client.ClientID, client.Name).
		WithMessage(description))
	return NewError(ErrorInvalidGrant, "%s", description)
}

func (m *CodeManager) pkceFail(ctx context.Context, client *Client, userID uuid.UUID, description string) error {
	if m.metrics != nil {
		m.metrics.PKCEFailuresTotal.Inc()
		m.metrics.AuthorizationCodesConsumed.WithLabelValues("invalid").Inc()
	}
	m.logEvent(ctx, audit.NewEvent(audit.EventTypeOAuthPKCEFailed, audit.EventStatusFailure).
		WithActor(userID, "").
		WithResource(audit.ResourceTypeClient, client.ClientID, client.Name).
		WithMessage(description))
	return NewError(ErrorInvalidGrant, "%s", description)
}

func (m *CodeManager) logEvent(ctx context.Context, event *audit.Event) {
	// Fire-and-forget; the protocol result never depends on the log.
	_ = m.audit.Log(ctx, event)
}

// VerifyPKCE checks a verifier against the stored challenge. S256
// compares base64url(sha256(verifier)); plain compares directly. Both
// comparisons run in constant time.
func VerifyPKCE(verifier, challenge string, method CodeChallengeMethod) bool {
	switch method {
	case ChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return credentials.ConstantTimeEquals(derived, challenge)
	case ChallengeMethodPlain:
		return credentials.ConstantTimeEquals(verifier, challenge)
	default:
		return false
	}
}
