package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/httputil"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/permissions"
)

// Authenticator validates bearer access tokens and loads the user onto
// the request context.
type Authenticator struct {
	tokens *oauth.TokenService
	users  *directory.Store
}

// NewAuthenticator creates the bearer authentication middleware.
func NewAuthenticator(tokens *oauth.TokenService, users *directory.Store) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Required rejects requests without a valid bearer token.
func (a *Authenticator) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := oauth.BearerToken(r)
		if token == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}
		a.authenticate(w, r, next, token)
	})
}

// Optional authenticates when a bearer token is present and passes the
// request through untouched when it is not.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := oauth.BearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		a.authenticate(w, r, next, token)
	})
}

func (a *Authenticator) authenticate(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	claims, err := a.tokens.ValidateAccessToken(token)
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid or expired token")
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		httputil.WriteUnauthorized(w, "invalid token subject")
		return
	}

	user, err := a.users.GetUser(r.Context(), userID)
	if err != nil {
		httputil.WriteUnauthorized(w, "unknown user")
		return
	}
	if !user.IsActive {
		httputil.WriteUnauthorized(w, "user is deactivated")
		return
	}

	ctx := contextkeys.WithUser(r.Context(), user)
	ctx = contextkeys.WithScopes(ctx, oauth.ParseScopes(claims.Scope))
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequireScope gates a route on a granted OAuth scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if contextkeys.UserFromContext(r.Context()) == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !oauth.ContainsScope(contextkeys.ScopesFromContext(r.Context()), scope) {
				httputil.WriteForbidden(w, "scope "+scope+" not granted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSystemOwner gates a route on the system owner flag.
func RequireSystemOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := contextkeys.UserFromContext(r.Context())
		if user == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !user.IsSystemOwner {
			httputil.WriteForbidden(w, "system owner access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTeamPermission gates a route on a resolved permission within
// the team named by the route's team_id variable. Non-members simply
// resolve to an empty permission set and are denied.
func RequireTeamPermission(resolver *permissions.Resolver, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := contextkeys.UserFromContext(r.Context())
			if user == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			teamID, err := uuid.Parse(mux.Vars(r)["team_id"])
			if err != nil {
				httputil.WriteBadRequest(w, "invalid team id")
				return
			}

			ok, err := resolver.HasPermission(r.Context(), user.ID, teamID, permission)
			if err != nil {
				httputil.WriteInternalError(w, err)
				return
			}
			if !ok {
				httputil.WriteForbidden(w, "permission "+permission+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
