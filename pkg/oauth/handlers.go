package oauth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/httputil"
	"github.com/telechubbiies/identity/pkg/permissions"
)

// Handler exposes the OAuth2/OIDC protocol surface.
type Handler struct {
	registry *Registry
	codes    *CodeManager
	tokens   *TokenService
	users    *directory.Store
	resolver *permissions.Resolver
	log      *logrus.Logger
}

// NewHandler creates the OAuth HTTP handler.
func NewHandler(registry *Registry, codes *CodeManager, tokens *TokenService, users *directory.Store, resolver *permissions.Resolver, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		registry: registry,
		codes:    codes,
		tokens:   tokens,
		users:    users,
		resolver: resolver,
		log:      log,
	}
}

// RegisterRoutes wires the protocol endpoints. The authorize and
// userinfo routes must sit behind the session/bearer middleware; the
// token endpoint authenticates clients itself.
func (h *Handler) RegisterRoutes(router *mux.Router, requireSession, requireBearer func(http.Handler) http.Handler) {
	router.HandleFunc("/.well-known/openid-configuration", h.Discovery).Methods(http.MethodGet)
	router.HandleFunc("/.well-known/jwks.json", h.JWKS).Methods(http.MethodGet)

	router.Handle("/oauth/authorize", requireSession(http.HandlerFunc(h.Authorize))).Methods(http.MethodGet)
	router.HandleFunc("/oauth/token", h.Token).Methods(http.MethodPost)
	router.Handle("/oauth/userinfo", requireBearer(http.HandlerFunc(h.UserInfo))).Methods(http.MethodGet)
	router.HandleFunc("/oauth/revoke", h.Revoke).Methods(http.MethodPost)
	router.HandleFunc("/oauth/introspect", h.Introspect).Methods(http.MethodPost)

	clients := router.PathPrefix("/api/v1/clients").Subrouter()
	clients.Use(requireBearer)
	clients.HandleFunc("", h.RegisterClient).Methods(http.MethodPost)
	clients.HandleFunc("", h.ListClients).Methods(http.MethodGet)
	clients.HandleFunc("/{client_id}/rotate-secret", h.RotateClientSecret).Methods(http.MethodPost)
	clients.HandleFunc("/{client_id}", h.DeactivateClient).Methods(http.MethodDelete)
}

// discoveryDocument is the OIDC discovery metadata. Static per
// deployment key material.
type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery handles GET /.well-known/openid-configuration.
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	issuer := h.tokens.Signer().Issuer()
	httputil.WriteJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/oauth/authorize",
		TokenEndpoint:                    issuer + "/oauth/token",
		UserinfoEndpoint:                 issuer + "/oauth/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		RevocationEndpoint:               issuer + "/oauth/revoke",
		IntrospectionEndpoint:            issuer + "/oauth/introspect",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		ScopesSupported:                  AllScopes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		CodeChallengeMethodsSupported:    []string{"S256", "plain"},
		TokenEndpointAuthMethods:         []string{"client_secret_post", "none"},
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.tokens.Signer().JWKS())
}

// Authorize handles GET /oauth/authorize. The session middleware has
// already authenticated the user; this validates the client, redirect
// and scope, issues a code and redirects back to the client.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := CodeChallengeMethod(q.Get("code_challenge_method"))
	nonce := q.Get("nonce")

	if clientID == "" || redirectURI == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "client_id and redirect_uri are required"))
		return
	}

	client, err := h.registry.Get(r.Context(), clientID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Redirect validation happens before any error redirect: a
	// mismatched URI gets a direct error response, never a redirect
	// to an unregistered location.
	if !client.ValidateRedirectURI(redirectURI) {
		h.writeError(w, NewError(ErrorInvalidRequest, "redirect URI is not registered for this client"))
		return
	}

	if responseType != "code" {
		h.redirectError(w, r, redirectURI, state, NewError(ErrorInvalidRequest, "only response_type=code is supported"))
		return
	}

	code, err := h.codes.Issue(r.Context(), client, user.ID, redirectURI, ParseScopes(scope), challenge, method, nonce)
	if err != nil {
		h.redirectError(w, r, redirectURI, state, err)
		return
	}

	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Token handles POST /oauth/token for the authorization_code and
// refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		h.tokenAuthorizationCode(w, r)
	case "refresh_token":
		h.tokenRefresh(w, r)
	default:
		h.writeError(w, NewError(ErrorInvalidRequest, "unsupported grant_type"))
	}
}

func (h *Handler) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")

	if clientID == "" || code == "" || redirectURI == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "client_id, code and redirect_uri are required"))
		return
	}

	client, err := h.registry.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		h.writeError(w, err)
		return
	}

	granted, err := h.codes.Consume(r.Context(), client, code, redirectURI, verifier)
	if err != nil {
		h.writeError(w, err)
		return
	}

	user, err := h.users.GetUser(r.Context(), granted.UserID)
	if err != nil || !user.IsActive {
		h.writeError(w, NewError(ErrorInvalidGrant, "user no longer exists"))
		return
	}

	resp, err := h.tokens.IssueTokens(r.Context(), user, client, granted.Scopes, granted.CreatedAt, granted.Nonce)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"client_id": client.ClientID,
		"user_id":   user.ID.String(),
		"scope":     JoinScopes(granted.Scopes),
	}).Info("authorization code exchanged")

	h.writeTokenResponse(w, resp)
}

func (h *Handler) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "refresh_token is required"))
		return
	}

	resp, err := h.tokens.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeTokenResponse(w, resp)
}

// UserInfo handles GET /oauth/userinfo. Claims follow the access
// token's scope; a scope that was not granted omits its claims.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	scopes := contextkeys.ScopesFromContext(r.Context())

	claims := map[string]interface{}{
		"sub": user.ID.String(),
	}
	if ContainsScope(scopes, ScopeProfile) {
		claims["name"] = user.Name
	}
	if ContainsScope(scopes, ScopeEmail) {
		claims["email"] = user.Email
		claims["email_verified"] = true
	}
	if ContainsScope(scopes, ScopeTeams) {
		teams, err := h.resolver.UserTeams(r.Context(), user.ID)
		if err != nil {
			h.writeError(w, NewError(ErrorServerError, "failed to resolve teams"))
			return
		}
		claims["teams"] = teams
	}
	if ContainsScope(scopes, ScopeRoles) {
		roles, err := h.resolver.UserRoles(r.Context(), user.ID)
		if err != nil {
			h.writeError(w, NewError(ErrorServerError, "failed to resolve roles"))
			return
		}
		claims["roles"] = roles
	}
	if ContainsScope(scopes, ScopeWorkspaces) {
		workspaces, err := h.resolver.UserWorkspaces(r.Context(), user.ID)
		if err != nil {
			h.writeError(w, NewError(ErrorServerError, "failed to resolve workspaces"))
			return
		}
		claims["workspaces"] = workspaces
	}
	if ContainsScope(scopes, ScopePermissions) {
		perms, err := h.resolver.ResolveUserPermissions(r.Context(), user.ID)
		if err != nil {
			h.writeError(w, NewError(ErrorServerError, "failed to resolve permissions"))
			return
		}
		claims["permissions"] = perms
	}

	httputil.WriteJSON(w, http.StatusOK, claims)
}

// Revoke handles POST /oauth/revoke. Always 200 on well-formed
// requests, even for unknown tokens.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "token is required"))
		return
	}

	if err := h.tokens.Revoke(r.Context(), token); err != nil {
		h.writeError(w, NewError(ErrorServerError, "revocation failed"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /oauth/introspect.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, NewError(ErrorInvalidRequest, "malformed form body"))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, NewError(ErrorInvalidRequest, "token is required"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, h.tokens.Introspect(r.Context(), token))
}

// --- Client management ---

type registerClientRequest struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
}

type registerClientResponse struct {
	*Client
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient handles POST /api/v1/clients.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req registerClientRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	client, secret, err := h.registry.Register(r.Context(), user.ID, req.Name, ClientType(req.Type), req.RedirectURIs, req.Scopes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"client_id": client.ClientID,
		"type":      string(client.Type),
		"owner_id":  user.ID.String(),
	}).Info("oauth client registered")

	// The secret travels in this response only and is never
	// retrievable again.
	httputil.WriteCreated(w, registerClientResponse{Client: client, ClientSecret: secret})
}

// ListClients handles GET /api/v1/clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	clients, err := h.registry.ListByOwner(r.Context(), user.ID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, clients)
}

// RotateClientSecret handles POST /api/v1/clients/{client_id}/rotate-secret.
func (h *Handler) RotateClientSecret(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	clientID, ok := httputil.ParsePathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	if !h.mayManageClient(w, r, user, clientID) {
		return
	}

	secret, err := h.registry.RotateSecret(r.Context(), clientID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.WithField("client_id", clientID).Info("client secret rotated")
	httputil.WriteSuccess(w, map[string]string{"client_secret": secret})
}

// DeactivateClient handles DELETE /api/v1/clients/{client_id}.
func (h *Handler) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	clientID, ok := httputil.ParsePathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	if !h.mayManageClient(w, r, user, clientID) {
		return
	}

	if err := h.registry.Deactivate(r.Context(), clientID); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handler) mayManageClient(w http.ResponseWriter, r *http.Request, user *directory.User, clientID string) bool {
	client, err := h.registry.Get(r.Context(), clientID)
	if err != nil {
		h.writeError(w, err)
		return false
	}
	if client.OwnerID != user.ID && !user.IsSystemOwner {
		httputil.WriteForbidden(w, "not the client owner")
		return false
	}
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// writeError renders protocol errors in the OAuth wire format and
// everything else as a generic server_error without leaking internals.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		httputil.WriteOAuthError(w, oauthErr.HTTPStatus(), string(oauthErr.Code), oauthErr.Description)
		return
	}
	h.log.WithError(err).Error("oauth request failed")
	httputil.WriteOAuthError(w, http.StatusInternalServerError, string(ErrorServerError), "internal error")
}

// redirectError sends protocol errors back to the client's redirect
// URI. Only called after the redirect URI itself has been validated.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		h.log.WithError(err).Error("authorize request failed")
		oauthErr = NewError(ErrorServerError, "internal error")
	}

	target, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	values := target.Query()
	values.Set("error", string(oauthErr.Code))
	if oauthErr.Description != "" {
		values.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// BearerToken extracts a bearer token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
