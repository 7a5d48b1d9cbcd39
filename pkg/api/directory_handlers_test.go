package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/observability"
	"github.com/telechubbiies/identity/pkg/permissions"
)

type directoryFixture struct {
	router *mux.Router
	mock   sqlmock.Sqlmock
	actor  *directory.User
}

func newDirectoryFixture(t *testing.T) *directoryFixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := directory.NewStore(db)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	service := directory.NewService(store, logger, nil, 48*time.Hour)
	resolver := permissions.NewResolver(db)

	log := logrus.New()
	log.SetOutput(io.Discard)

	fixture := &directoryFixture{
		router: mux.NewRouter(),
		mock:   mock,
		actor: &directory.User{
			ID:            uuid.New(),
			Email:         "owner@example.com",
			Name:          "Owner",
			IsSystemOwner: true,
			IsActive:      true,
		},
	}

	inject := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if fixture.actor != nil {
				ctx = contextkeys.WithUser(ctx, fixture.actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	handler := NewDirectoryHandler(service, resolver, log)
	handler.RegisterRoutes(fixture.router, inject)
	return fixture
}

func (f *directoryFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTeamAsSystemOwner(t *testing.T) {
	fixture := newDirectoryFixture(t)

	fixture.mock.ExpectExec("INSERT INTO teams").
		WillReturnResult(sqlmock.NewResult(0, 1))
	fixture.mock.ExpectExec("INSERT INTO team_members").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := fixture.do(t, http.MethodPost, "/api/v1/teams", map[string]interface{}{
		"name": "Engineering",
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var team directory.Team
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &team))
	assert.Equal(t, "Engineering", team.Name)
	assert.Equal(t, "engineering", team.Slug)
	assert.Equal(t, fixture.actor.ID, team.OwnerID)
	assert.NoError(t, fixture.mock.ExpectationsWereMet())
}

func TestCreateRootTeamForbiddenForRegularUser(t *testing.T) {
	fixture := newDirectoryFixture(t)
	fixture.actor.IsSystemOwner = false

	rec := fixture.do(t, http.MethodPost, "/api/v1/teams", map[string]interface{}{
		"name": "Rogue",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTeamRequiresName(t *testing.T) {
	fixture := newDirectoryFixture(t)

	rec := fixture.do(t, http.MethodPost, "/api/v1/teams", map[string]interface{}{
		"description": "nameless",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateTeamSlugConflicts(t *testing.T) {
	fixture := newDirectoryFixture(t)

	fixture.mock.ExpectExec("INSERT INTO teams").
		WillReturnError(&pq.Error{Code: "23505"})

	rec := fixture.do(t, http.MethodPost, "/api/v1/teams", map[string]interface{}{
		"name": "Engineering",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPathParametersMustBeUUIDs(t *testing.T) {
	fixture := newDirectoryFixture(t)

	rec := fixture.do(t, http.MethodGet, "/api/v1/teams/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "team_id must be a UUID")
}

func TestGetUnknownTeamReturnsNotFound(t *testing.T) {
	fixture := newDirectoryFixture(t)

	fixture.mock.ExpectQuery("FROM teams").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := fixture.do(t, http.MethodGet, "/api/v1/teams/"+uuid.NewString(), nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationsRequireAuthentication(t *testing.T) {
	fixture := newDirectoryFixture(t)
	fixture.actor = nil

	rec := fixture.do(t, http.MethodPost, "/api/v1/teams", map[string]interface{}{
		"name": "Engineering",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResolveMemberPermissionsEndpoint(t *testing.T) {
	fixture := newDirectoryFixture(t)
	teamID := uuid.New()
	userID := uuid.New()

	fixture.mock.ExpectQuery("FROM team_members tm").
		WithArgs(userID, teamID).
		WillReturnRows(sqlmock.NewRows([]string{"slug"}).
			AddRow("reports.read").
			AddRow("reports.write"))

	rec := fixture.do(t, http.MethodGet,
		"/api/v1/teams/"+teamID.String()+"/members/"+userID.String()+"/permissions", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"reports.read", "reports.write"}, body["permissions"])
	assert.NoError(t, fixture.mock.ExpectationsWereMet())
}

func TestAcceptInvitationIsPublic(t *testing.T) {
	fixture := newDirectoryFixture(t)
	fixture.actor = nil

	// Missing token fails validation before any lookup; the route
	// itself must not demand a bearer token.
	rec := fixture.do(t, http.MethodPost, "/api/v1/invitations/accept", map[string]interface{}{
		"name":     "New User",
		"password": "hunter2hunter2",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}
