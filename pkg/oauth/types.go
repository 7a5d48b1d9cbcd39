package oauth

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientType distinguishes confidential clients (hold a secret) from
// public clients (browser/native apps that cannot keep one).
type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// Scope vocabulary. The set is fixed; openid is mandatory on every
// client and every grant.
const (
	ScopeOpenID      = "openid"
	ScopeProfile     = "profile"
	ScopeEmail       = "email"
	ScopeTeams       = "teams"
	ScopeRoles       = "roles"
	ScopeWorkspaces  = "workspaces"
	ScopePermissions = "permissions"
)

// AllScopes is the full scope vocabulary.
var AllScopes = []string{
	ScopeOpenID, ScopeProfile, ScopeEmail,
	ScopeTeams, ScopeRoles, ScopeWorkspaces, ScopePermissions,
}

// ValidScope reports whether a scope belongs to the vocabulary.
func ValidScope(scope string) bool {
	for _, s := range AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ParseScopes splits a space-delimited scope string into a
// deduplicated, sorted slice.
func ParseScopes(s string) []string {
	seen := make(map[string]bool)
	var scopes []string
	for _, scope := range strings.Fields(s) {
		if !seen[scope] {
			seen[scope] = true
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes
}

// JoinScopes renders a scope slice back into the wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the scopes present in both slices.
func IntersectScopes(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}
	var out []string
	for _, s := range requested {
		if allowedSet[s] {
			out = append(out, s)
		}
	}
	return out
}

// ContainsScope reports whether a scope slice holds a given scope.
func ContainsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Client is a registered OAuth client. Redirect URIs match
// byte-exactly against this set; scopes are the subset of the
// vocabulary the client may request.
type Client struct {
	ID           uuid.UUID  `json:"id"`
	ClientID     string     `json:"client_id"`
	SecretHash   string     `json:"-"`
	Name         string     `json:"name"`
	Type         ClientType `json:"type"`
	RedirectURIs []string   `json:"redirect_uris"`
	Scopes       []string   `json:"scopes"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasSecret reports whether the client authenticates with a secret.
func (c *Client) HasSecret() bool {
	return c.Type == ClientTypeConfidential
}

// RequiresPKCE reports whether the client must present a PKCE
// challenge. Public clients always do.
func (c *Client) RequiresPKCE() bool {
	return c.IsPublic()
}

// ValidateRedirectURI requires a byte-exact match against the
// registered set. No prefix or pattern matching; that door leads to
// open redirects.
func (c *Client) ValidateRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the client may request a scope.
func (c *Client) AllowsScope(scope string) bool {
	return ContainsScope(c.Scopes, scope)
}

// CodeChallengeMethod is the PKCE transform applied to the verifier.
type CodeChallengeMethod string

const (
	ChallengeMethodS256  CodeChallengeMethod = "S256"
	ChallengeMethodPlain CodeChallengeMethod = "plain"
)

// AuthorizationCode binds a single-use code to the client, user,
// redirect URI and scope it was issued for. Only the code's hash is
// stored.
type AuthorizationCode struct {
	ID                  uuid.UUID           `json:"id"`
	CodeHash            string              `json:"-"`
	ClientID            string              `json:"client_id"`
	UserID              uuid.UUID           `json:"user_id"`
	RedirectURI         string              `json:"redirect_uri"`
	Scopes              []string            `json:"scopes"`
	CodeChallenge       string              `json:"-"`
	CodeChallengeMethod CodeChallengeMethod `json:"-"`
	Nonce               string              `json:"-"`
	Used                bool                `json:"used"`
	ExpiresAt           time.Time           `json:"expires_at"`
	CreatedAt           time.Time           `json:"created_at"`
}

// IsExpired reports whether the code has passed its expiry. Expiry is
// checked lazily at consume time, there is no background eviction.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// RefreshToken is stored as a hash only, bound to user and client.
type RefreshToken struct {
	ID        uuid.UUID `json:"id"`
	TokenHash string    `json:"-"`
	UserID    uuid.UUID `json:"user_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Scopes    []string  `json:"scopes"`
	Revoked   bool      `json:"revoked"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the refresh token has passed its expiry.
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// TokenResponse is the /oauth/token response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the /oauth/introspect response body.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}
