package oauth

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"

	"github.com/telechubbiies/identity/pkg/credentials"
)

// clientCacheSize bounds the registry's in-process cache. Client
// records are small and change rarely, so a modest LRU removes most
// lookups from the hot token path.
const clientCacheSize = 512

// Registry manages OAuth client records. Reads go through an LRU
// cache keyed by client_id; every mutation evicts the entry.
type Registry struct {
	db    *sql.DB
	cache *lru.Cache[string, *Client]
}

// NewRegistry creates a client registry.
func NewRegistry(db *sql.DB) (*Registry, error) {
	cache, err := lru.New[string, *Client](clientCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create client cache: %w", err)
	}
	return &Registry{db: db, cache: cache}, nil
}

// Register validates and stores a new client. Every redirect URI must
// be absolute, scopes must be a subset of the vocabulary, and openid
// must always be present. For confidential clients the generated
// secret is returned once in plaintext; only its hash is stored.
func (r *Registry) Register(ctx context.Context, ownerID uuid.UUID, name string, clientType ClientType, redirectURIs, scopes []string) (*Client, string, error) {
	if name == "" {
		return nil, "", NewError(ErrorInvalidRequest, "client name is required")
	}
	if clientType != ClientTypePublic && clientType != ClientTypeConfidential {
		return nil, "", NewError(ErrorInvalidRequest, "unknown client type %q", clientType)
	}
	if len(redirectURIs) == 0 {
		return nil, "", NewError(ErrorInvalidRequest, "at least one redirect URI is required")
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, "", NewError(ErrorInvalidRequest, "redirect URI %q is not an absolute URI", raw)
		}
	}
	for _, scope := range scopes {
		if !ValidScope(scope) {
			return nil, "", NewError(ErrorInvalidScope, "unknown scope %q", scope)
		}
	}
	if !ContainsScope(scopes, ScopeOpenID) {
		return nil, "", NewError(ErrorInvalidScope, "openid scope is required")
	}

	clientID, err := credentials.GenerateClientID()
	if err != nil {
		return nil, "", NewError(ErrorServerError, "failed to generate client id")
	}

	var secret, secretHash string
	if clientType == ClientTypeConfidential {
		secret, secretHash, err = credentials.GenerateToken(credentials.ClientSecretBytes)
		if err != nil {
			return nil, "", NewError(ErrorServerError, "failed to generate client secret")
		}
	}

	client := &Client{
		ID:           uuid.New(),
		ClientID:     clientID,
		SecretHash:   secretHash,
		Name:         name,
		Type:         clientType,
		RedirectURIs: redirectURIs,
		Scopes:       scopes,
		OwnerID:      ownerID,
		IsActive:     true,
	}

	query := `
		INSERT INTO oauth_clients (id, client_id, secret_hash, name, type, redirect_uris, scopes, owner_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		client.ID, client.ClientID, client.SecretHash, client.Name, client.Type,
		pq.Array(client.RedirectURIs), pq.Array(client.Scopes),
		client.OwnerID, client.IsActive, now, now,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create client: %w", err)
	}
	client.CreatedAt = now
	client.UpdatedAt = now

	return client, secret, nil
}

// Get retrieves an active client by client_id.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	if client, ok := r.cache.Get(clientID); ok {
		return client, nil
	}

	query := `
		SELECT id, client_id, secret_hash, name, type, redirect_uris, scopes, owner_id, is_active, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`
	client := &Client{}
	err := r.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID, &client.ClientID, &client.SecretHash, &client.Name, &client.Type,
		pq.Array(&client.RedirectURIs), pq.Array(&client.Scopes),
		&client.OwnerID, &client.IsActive, &client.CreatedAt, &client.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, NewError(ErrorInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if !client.IsActive {
		return nil, NewError(ErrorInvalidClient, "client is deactivated")
	}

	r.cache.Add(clientID, client)
	return client, nil
}

// Authenticate verifies client credentials for the token endpoint.
// Confidential clients must present their secret; public clients
// present none and rely on PKCE instead.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if client.HasSecret() {
		if secret == "" {
			return nil, NewError(ErrorInvalidClient, "client secret is required")
		}
		if !credentials.ConstantTimeEquals(credentials.HashToken(secret), client.SecretHash) {
			return nil, NewError(ErrorInvalidClient, "invalid client credentials")
		}
	} else if secret != "" {
		return nil, NewError(ErrorInvalidClient, "public client must not send a secret")
	}

	return client, nil
}

// RotateSecret replaces a confidential client's secret and returns the
// new plaintext once. Outstanding tokens are untouched; rotation only
// affects future token requests.
func (r *Registry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if !client.HasSecret() {
		return "", NewError(ErrorInvalidRequest, "public clients have no secret to rotate")
	}

	secret, secretHash, err := credentials.GenerateToken(credentials.ClientSecretBytes)
	if err != nil {
		return "", NewError(ErrorServerError, "failed to generate client secret")
	}

	query := `UPDATE oauth_clients SET secret_hash = $1, updated_at = $2 WHERE client_id = $3`
	if _, err := r.db.ExecContext(ctx, query, secretHash, time.Now(), clientID); err != nil {
		return "", fmt.Errorf("failed to rotate client secret: %w", err)
	}

	r.cache.Remove(clientID)
	return secret, nil
}

// Deactivate disables a client. Its tokens stop being honored at the
// next client lookup.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	query := `UPDATE oauth_clients SET is_active = false, updated_at = $1 WHERE client_id = $2`
	result, err := r.db.ExecContext(ctx, query, time.Now(), clientID)
	if err != nil {
		return fmt.Errorf("failed to deactivate client: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return NewError(ErrorInvalidClient, "unknown client")
	}

	r.cache.Remove(clientID)
	return nil
}

// ListByOwner returns all clients registered by a user.
func (r *Registry) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Client, error) {
	query := `
		SELECT id, client_id, secret_hash, name, type, redirect_uris, scopes, owner_id, is_active, created_at, updated_at
		FROM oauth_clients
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		client := &Client{}
		if err := rows.Scan(
			&client.ID, &client.ClientID, &client.SecretHash, &client.Name, &client.Type,
			pq.Array(&client.RedirectURIs), pq.Array(&client.Scopes),
			&client.OwnerID, &client.IsActive, &client.CreatedAt, &client.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}
