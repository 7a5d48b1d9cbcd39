package directory

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestCreateTeamDuplicateSlug(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO teams").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "teams_slug_key"})

	team := &Team{Name: "Engineering", Slug: "engineering", OwnerID: uuid.New()}
	err := store.CreateTeam(context.Background(), team)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTeamNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT(.+)FROM teams").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetTeam(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTeamBySlug(t *testing.T) {
	store, mock := newTestStore(t)

	teamID := uuid.New()
	ownerID := uuid.New()
	parentID := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "name", "slug", "description", "parent_team_id", "owner_id", "created_at", "updated_at",
	}).AddRow(teamID, "Platform", "platform", "", parentID, ownerID, time.Now(), time.Now())

	mock.ExpectQuery("SELECT(.+)FROM teams").
		WithArgs("platform").
		WillReturnRows(rows)

	team, err := store.GetTeamBySlug(context.Background(), "platform")
	require.NoError(t, err)
	assert.Equal(t, teamID, team.ID)
	require.NotNil(t, team.ParentTeamID)
	assert.Equal(t, parentID, *team.ParentTeamID)
	assert.False(t, team.IsRoot())
}

func TestDeleteRoleDetachesGrants(t *testing.T) {
	store, mock := newTestStore(t)
	roleID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM role_permissions WHERE role_id").
		WithArgs(roleID).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE team_members SET role_id = NULL").
		WithArgs(roleID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM roles WHERE id").
		WithArgs(roleID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.DeleteRole(context.Background(), roleID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRoleMissing(t *testing.T) {
	store, mock := newTestStore(t)
	roleID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM role_permissions WHERE role_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE team_members SET role_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM roles WHERE id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.DeleteRole(context.Background(), roleID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTeamOrderedSteps(t *testing.T) {
	store, mock := newTestStore(t)
	teamID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM team_permissions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM team_workspaces").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM user_workspaces").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM team_members").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM teams").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.DeleteTeam(context.Background(), teamID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionInvitationSingleUse(t *testing.T) {
	store, mock := newTestStore(t)
	invID := uuid.New()

	// The conditional update touches no rows when the invitation is
	// no longer pending.
	mock.ExpectExec("UPDATE invitations SET status").
		WithArgs(string(InvitationStatusAccepted), invID, string(InvitationStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.TransitionInvitation(context.Background(), invID, InvitationStatusAccepted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMemberWithRole(t *testing.T) {
	store, mock := newTestStore(t)

	teamID := uuid.New()
	userID := uuid.New()
	roleID := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "team_id", "user_id", "role_id", "created_at"}).
		AddRow(uuid.New(), teamID, userID, roleID, time.Now())

	mock.ExpectQuery("SELECT(.+)FROM team_members").
		WithArgs(teamID, userID).
		WillReturnRows(rows)

	member, err := store.GetMember(context.Background(), teamID, userID)
	require.NoError(t, err)
	require.NotNil(t, member.RoleID)
	assert.Equal(t, roleID, *member.RoleID)
}

func TestMinTeamRolePriorityEmpty(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT MIN\\(priority\\) FROM roles").
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	min, err := store.MinTeamRolePriority(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, -1, min)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Engineering", "engineering"},
		{"Platform Team", "platform-team"},
		{"  Ops & SRE  ", "ops--sre"},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "Slugify(%q)", tt.in)
	}
}
