package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/permissions"
)

type authFixture struct {
	auth   *Authenticator
	tokens *oauth.TokenService
	mock   sqlmock.Sqlmock
	userID uuid.UUID
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := oauth.NewDevSigner("test-key", "https://id.example.com")
	require.NoError(t, err)

	users := directory.NewStore(db)
	ttls := oauth.TokenTTLs{Access: 15 * time.Minute, Refresh: 7 * 24 * time.Hour, IDToken: time.Hour}
	tokens := oauth.NewTokenService(db, signer, users, permissions.NewResolver(db), ttls, nil, nil)

	return &authFixture{
		auth:   NewAuthenticator(tokens, users),
		tokens: tokens,
		mock:   mock,
		userID: uuid.New(),
	}
}

func (f *authFixture) accessToken(t *testing.T, scopes []string) string {
	t.Helper()
	user := &directory.User{ID: f.userID, Email: "ada@example.com", IsActive: true}
	token, err := f.tokens.IssueAccessToken(user, &oauth.Client{ClientID: "tc_abc"}, scopes)
	require.NoError(t, err)
	return token
}

func (f *authFixture) expectUserLookup(active bool) {
	now := time.Now()
	f.mock.ExpectQuery("FROM users").
		WithArgs(f.userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "is_system_owner", "is_active", "created_at", "updated_at", "last_login_at"}).
			AddRow(f.userID, "ada@example.com", "Ada", "hash", false, active, now, now, nil))
}

func TestRequiredInjectsUserAndScopes(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.expectUserLookup(true)

	var gotUser *directory.User
	var gotScopes []string
	handler := fixture.auth.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = contextkeys.UserFromContext(r.Context())
		gotScopes = contextkeys.ScopesFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+fixture.accessToken(t, []string{"openid", "email"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotUser)
	assert.Equal(t, fixture.userID, gotUser.ID)
	assert.Equal(t, []string{"email", "openid"}, gotScopes)
}

func TestRequiredRejectsMissingAndMalformedHeaders(t *testing.T) {
	fixture := newAuthFixture(t)
	handler := fixture.auth.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequiredRejectsDeactivatedUser(t *testing.T) {
	fixture := newAuthFixture(t)
	fixture.expectUserLookup(false)

	handler := fixture.auth.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+fixture.accessToken(t, []string{"openid"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOptionalPassesAnonymousThrough(t *testing.T) {
	fixture := newAuthFixture(t)
	handler := fixture.auth.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Nil(t, contextkeys.UserFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScope(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	user := &directory.User{ID: uuid.New(), IsActive: true}

	gate := RequireScope("teams")(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := contextkeys.WithUser(req.Context(), user)
	ctx = contextkeys.WithScopes(ctx, []string{"openid", "teams"})
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req.WithContext(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx = contextkeys.WithUser(req.Context(), user)
	ctx = contextkeys.WithScopes(ctx, []string{"openid"})
	rec = httptest.NewRecorder()
	gate.ServeHTTP(rec, req.WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSystemOwner(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	gate := RequireSystemOwner(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	owner := &directory.User{ID: uuid.New(), IsSystemOwner: true, IsActive: true}
	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, req.WithContext(contextkeys.WithUser(req.Context(), owner)))
	assert.Equal(t, http.StatusOK, rec.Code)

	regular := &directory.User{ID: uuid.New(), IsActive: true}
	rec = httptest.NewRecorder()
	gate.ServeHTTP(rec, req.WithContext(contextkeys.WithUser(req.Context(), regular)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireTeamPermission(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	resolver := permissions.NewResolver(db)

	user := &directory.User{ID: uuid.New(), IsActive: true}
	teamID := uuid.New()

	router := mux.NewRouter()
	router.Handle("/teams/{team_id}/reports",
		RequireTeamPermission(resolver, "reports.read")(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })))

	// Member with the permission.
	mock.ExpectQuery("FROM team_members tm").
		WithArgs(user.ID, teamID).
		WillReturnRows(sqlmock.NewRows([]string{"slug"}).AddRow("reports.read"))

	req := httptest.NewRequest(http.MethodGet, "/teams/"+teamID.String()+"/reports", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req.WithContext(contextkeys.WithUser(req.Context(), user)))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Non-member resolves to an empty set and is denied, not errored.
	mock.ExpectQuery("FROM team_members tm").
		WithArgs(user.ID, teamID).
		WillReturnRows(sqlmock.NewRows([]string{"slug"}))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req.WithContext(contextkeys.WithUser(req.Context(), user)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
