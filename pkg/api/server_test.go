package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/middleware"
	"github.com/telechubbiies/identity/pkg/oauth"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/permissions"
	"github.com/telechubbiies/identity/pkg/sessions"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := oauth.NewDevSigner("test-key", "https://id.example.com")
	require.NoError(t, err)

	users := directory.NewStore(db)
	resolver := permissions.NewResolver(db)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	service := directory.NewService(users, logger, nil, 48*time.Hour)

	tokens := oauth.NewTokenService(db, signer, users, resolver, oauth.TokenTTLs{
		Access:  15 * time.Minute,
		Refresh: 7 * 24 * time.Hour,
		IDToken: time.Hour,
	}, nil, nil)

	registry, err := oauth.NewRegistry(db)
	require.NoError(t, err)
	codes := oauth.NewCodeManager(db, 10*time.Minute, nil, nil)

	log := logrus.New()
	log.SetOutput(io.Discard)

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	return NewServer(Deps{
		OAuth:      oauth.NewHandler(registry, codes, tokens, users, resolver, log),
		Sessions:   sessions.NewHandler(users, tokens, metrics, nil, log, false),
		Directory:  NewDirectoryHandler(service, resolver, log),
		Auth:       middleware.NewAuthenticator(tokens, users),
		RateLimits: middleware.NewRateLimitMiddleware(),
		Metrics:    metrics,
		Log:        log,
	})
}

func TestServerServesDiscovery(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://id.example.com/oauth/token")
}

func TestServerAssignsRequestID(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerPreservesCallerRequestID(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestServerRejectsUnauthenticatedManagementCalls(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/teams", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerLoginRouteIsWired(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	// Empty body fails validation, not routing.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
