package permissions

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewResolver(db), mock
}

func TestResolveTeamPermissions(t *testing.T) {
	resolver, mock := newTestResolver(t)
	userID := uuid.New()
	teamID := uuid.New()

	rows := sqlmock.NewRows([]string{"slug"}).
		AddRow("deploy").
		AddRow("read-logs")

	mock.ExpectQuery("SELECT DISTINCT p.slug").
		WithArgs(userID, teamID).
		WillReturnRows(rows)

	slugs, err := resolver.ResolveTeamPermissions(context.Background(), userID, teamID)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "read-logs"}, slugs)
}

func TestResolveTeamPermissionsEmptyForNonMember(t *testing.T) {
	resolver, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT DISTINCT p.slug").
		WillReturnRows(sqlmock.NewRows([]string{"slug"}))

	slugs, err := resolver.ResolveTeamPermissions(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, slugs)
	assert.Empty(t, slugs)
}

func TestResolveTeamPermissionsSorted(t *testing.T) {
	resolver, mock := newTestResolver(t)

	rows := sqlmock.NewRows([]string{"slug"}).
		AddRow("zeta").
		AddRow("alpha").
		AddRow("mid")

	mock.ExpectQuery("SELECT DISTINCT p.slug").WillReturnRows(rows)

	slugs, err := resolver.ResolveTeamPermissions(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, slugs)
}

func TestHasPermission(t *testing.T) {
	resolver, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT DISTINCT p.slug").
		WillReturnRows(sqlmock.NewRows([]string{"slug"}).AddRow("deploy"))

	ok, err := resolver.HasPermission(context.Background(), uuid.New(), uuid.New(), "deploy")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT DISTINCT p.slug").
		WillReturnRows(sqlmock.NewRows([]string{"slug"}).AddRow("deploy"))

	ok, err = resolver.HasPermission(context.Background(), uuid.New(), uuid.New(), "delete-everything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserTeams(t *testing.T) {
	resolver, mock := newTestResolver(t)
	userID := uuid.New()
	teamID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "slug", "name"}).
		AddRow(teamID, "engineering", "Engineering")

	mock.ExpectQuery("SELECT t.id, t.slug, t.name").
		WithArgs(userID).
		WillReturnRows(rows)

	teams, err := resolver.UserTeams(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "engineering", teams[0].TeamSlug)
	assert.Equal(t, teamID, teams[0].TeamID)
}

func TestUserRoles(t *testing.T) {
	resolver, mock := newTestResolver(t)
	userID := uuid.New()

	rows := sqlmock.NewRows([]string{"team_slug", "role_slug", "is_admin", "priority"}).
		AddRow("engineering", "admin", true, 100).
		AddRow("engineering", "dev", false, 20)

	mock.ExpectQuery("SELECT t.slug, ro.slug, ro.is_admin, ro.priority").
		WithArgs(userID).
		WillReturnRows(rows)

	roles, err := resolver.UserRoles(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.True(t, roles[0].IsAdmin)
	assert.Equal(t, 100, roles[0].Priority)
}

func TestUserWorkspaces(t *testing.T) {
	resolver, mock := newTestResolver(t)
	userID := uuid.New()
	wsID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "slug", "name"}).
		AddRow(wsID, "prod", "Production")

	mock.ExpectQuery("SELECT DISTINCT w.id, w.slug, w.name").
		WithArgs(userID).
		WillReturnRows(rows)

	grants, err := resolver.UserWorkspaces(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "prod", grants[0].Slug)
}
