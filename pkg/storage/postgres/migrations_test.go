package postgres

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrationLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestMigrationVersionsAreOrderedAndContiguous(t *testing.T) {
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.version, "migration %s out of order", m.name)
		assert.NotEmpty(t, m.name)
		assert.NotEmpty(t, m.up)
	}
}

// tableColumns pulls the column names out of a table's CREATE TABLE
// block across all migrations.
func tableColumns(t *testing.T, table string) map[string]bool {
	t.Helper()

	re := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\n\s*\);`)
	cols := map[string]bool{}
	for _, m := range migrations {
		match := re.FindStringSubmatch(m.up)
		if match == nil {
			continue
		}
		for _, line := range strings.Split(match[1], "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "PRIMARY", "UNIQUE", "FOREIGN", "CHECK":
				continue
			}
			cols[fields[0]] = true
		}
	}
	require.NotEmpty(t, cols, "table %s not found in any migration", table)
	return cols
}

// The store layer's inserts for these tables reference every column
// listed here. A rename or a dropped column in the DDL shows up as a
// runtime undefined-column error, which sqlmock never sees, so the
// cross-check lives here.
func TestSchemaDeclaresColumnsTheStoreWrites(t *testing.T) {
	tests := []struct {
		table   string
		columns []string
	}{
		{"users", []string{"id", "email", "name", "password_hash", "is_system_owner", "is_active", "created_at", "updated_at", "last_login_at"}},
		{"teams", []string{"id", "slug", "name", "description", "parent_team_id", "owner_id", "created_at", "updated_at"}},
		{"roles", []string{"id", "team_id", "slug", "name", "is_admin", "priority", "created_at", "updated_at"}},
		{"permissions", []string{"id", "slug", "name", "description", "team_id", "created_at"}},
		{"team_members", []string{"id", "team_id", "user_id", "role_id", "created_at"}},
		{"role_permissions", []string{"role_id", "permission_id", "created_at"}},
		{"team_permissions", []string{"team_id", "permission_id", "created_at"}},
		{"workspaces", []string{"id", "slug", "name", "description", "created_at"}},
		{"team_workspaces", []string{"team_id", "workspace_id", "created_at"}},
		{"user_workspaces", []string{"user_id", "team_id", "workspace_id", "created_at"}},
		{"invitations", []string{"id", "token_hash", "email", "type", "team_id", "role_id", "invited_by", "status", "expires_at", "created_at"}},
		{"oauth_clients", []string{"id", "client_id", "secret_hash", "name", "type", "redirect_uris", "scopes", "owner_id", "is_active", "created_at", "updated_at"}},
		{"oauth_authorization_codes", []string{"id", "code_hash", "client_id", "user_id", "redirect_uri", "scopes", "code_challenge", "code_challenge_method", "nonce", "used", "expires_at", "created_at"}},
		{"refresh_tokens", []string{"id", "token_hash", "user_id", "client_id", "scopes", "revoked", "expires_at", "created_at"}},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			cols := tableColumns(t, tt.table)
			for _, col := range tt.columns {
				assert.True(t, cols[col], "table %s is missing column %s", tt.table, col)
			}
		})
	}
}

// User workspace grants are keyed per team, so conflict handling on
// (user_id, team_id, workspace_id) needs a matching primary key.
func TestUserWorkspacesKeyedByTeamContext(t *testing.T) {
	for _, m := range migrations {
		if !strings.Contains(m.up, "CREATE TABLE IF NOT EXISTS user_workspaces") {
			continue
		}
		assert.Contains(t, m.up, "PRIMARY KEY (user_id, team_id, workspace_id)")
		return
	}
	t.Fatal("user_workspaces table not found in any migration")
}

func TestMigrateAppliesAllOnFreshDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	for _, m := range migrations {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.version, m.name).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	err = Migrate(context.Background(), db, testMigrationLogger())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAlreadyAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	latest := migrations[len(migrations)-1].version

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(latest))

	err = Migrate(context.Background(), db, testMigrationLogger())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackFailedStep(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").
		WillReturnError(errors.New("relation already exists with different schema"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, testMigrationLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
