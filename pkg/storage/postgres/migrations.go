package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migration is one ordered schema step. Versions are append-only;
// editing an applied migration is never safe.
type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_users",
		up: `
			CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				is_system_owner BOOLEAN NOT NULL DEFAULT false,
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				last_login_at TIMESTAMPTZ
			);
			CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
		`,
	},
	{
		version: 2,
		name:    "create_teams",
		up: `
			CREATE TABLE IF NOT EXISTS teams (
				id UUID PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				parent_team_id UUID REFERENCES teams(id),
				owner_id UUID NOT NULL REFERENCES users(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_teams_parent ON teams(parent_team_id);
			CREATE INDEX IF NOT EXISTS idx_teams_owner ON teams(owner_id);
		`,
	},
	{
		version: 3,
		name:    "create_roles",
		up: `
			CREATE TABLE IF NOT EXISTS roles (
				id UUID PRIMARY KEY,
				team_id UUID NOT NULL REFERENCES teams(id),
				slug TEXT NOT NULL,
				name TEXT NOT NULL,
				is_admin BOOLEAN NOT NULL DEFAULT false,
				priority INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (team_id, slug)
			);
			CREATE INDEX IF NOT EXISTS idx_roles_team ON roles(team_id);
		`,
	},
	{
		version: 4,
		name:    "create_permissions",
		up: `
			CREATE TABLE IF NOT EXISTS permissions (
				id UUID PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				team_id UUID REFERENCES teams(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_permissions_team ON permissions(team_id);
		`,
	},
	{
		version: 5,
		name:    "create_team_members",
		up: `
			CREATE TABLE IF NOT EXISTS team_members (
				id UUID PRIMARY KEY,
				team_id UUID NOT NULL REFERENCES teams(id),
				user_id UUID NOT NULL REFERENCES users(id),
				role_id UUID REFERENCES roles(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (team_id, user_id)
			);
			CREATE INDEX IF NOT EXISTS idx_team_members_user ON team_members(user_id);
			CREATE INDEX IF NOT EXISTS idx_team_members_role ON team_members(role_id);
		`,
	},
	{
		version: 6,
		name:    "create_role_permissions",
		up: `
			CREATE TABLE IF NOT EXISTS role_permissions (
				role_id UUID NOT NULL REFERENCES roles(id),
				permission_id UUID NOT NULL REFERENCES permissions(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (role_id, permission_id)
			);
		`,
	},
	{
		version: 7,
		name:    "create_team_permissions",
		up: `
			CREATE TABLE IF NOT EXISTS team_permissions (
				team_id UUID NOT NULL REFERENCES teams(id),
				permission_id UUID NOT NULL REFERENCES permissions(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (team_id, permission_id)
			);
		`,
	},
	{
		version: 8,
		name:    "create_workspaces",
		up: `
			CREATE TABLE IF NOT EXISTS workspaces (
				id UUID PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE TABLE IF NOT EXISTS team_workspaces (
				team_id UUID NOT NULL REFERENCES teams(id),
				workspace_id UUID NOT NULL REFERENCES workspaces(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (team_id, workspace_id)
			);
			CREATE TABLE IF NOT EXISTS user_workspaces (
				user_id UUID NOT NULL REFERENCES users(id),
				team_id UUID NOT NULL REFERENCES teams(id),
				workspace_id UUID NOT NULL REFERENCES workspaces(id),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (user_id, team_id, workspace_id)
			);
			CREATE INDEX IF NOT EXISTS idx_user_workspaces_team ON user_workspaces(team_id);
		`,
	},
	{
		version: 9,
		name:    "create_invitations",
		up: `
			CREATE TABLE IF NOT EXISTS invitations (
				id UUID PRIMARY KEY,
				token_hash TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL,
				team_id UUID REFERENCES teams(id),
				role_id UUID REFERENCES roles(id),
				invited_by UUID NOT NULL REFERENCES users(id),
				type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_invitations_email ON invitations(email);
			CREATE INDEX IF NOT EXISTS idx_invitations_status ON invitations(status);
		`,
	},
	{
		version: 10,
		name:    "create_oauth_clients",
		up: `
			CREATE TABLE IF NOT EXISTS oauth_clients (
				id UUID PRIMARY KEY,
				client_id TEXT NOT NULL UNIQUE,
				secret_hash TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				redirect_uris TEXT[] NOT NULL,
				scopes TEXT[] NOT NULL,
				owner_id UUID NOT NULL REFERENCES users(id),
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_oauth_clients_owner ON oauth_clients(owner_id);
		`,
	},
	{
		version: 11,
		name:    "create_oauth_authorization_codes",
		up: `
			CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
				id UUID PRIMARY KEY,
				code_hash TEXT NOT NULL UNIQUE,
				client_id TEXT NOT NULL REFERENCES oauth_clients(client_id),
				user_id UUID NOT NULL REFERENCES users(id),
				redirect_uri TEXT NOT NULL,
				scopes TEXT[] NOT NULL,
				code_challenge TEXT NOT NULL DEFAULT '',
				code_challenge_method TEXT NOT NULL DEFAULT '',
				nonce TEXT NOT NULL DEFAULT '',
				used BOOLEAN NOT NULL DEFAULT false,
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_oauth_codes_expires ON oauth_authorization_codes(expires_at);
		`,
	},
	{
		version: 12,
		name:    "create_refresh_tokens",
		up: `
			CREATE TABLE IF NOT EXISTS refresh_tokens (
				id UUID PRIMARY KEY,
				token_hash TEXT NOT NULL UNIQUE,
				user_id UUID NOT NULL REFERENCES users(id),
				client_id TEXT NOT NULL DEFAULT '',
				scopes TEXT[] NOT NULL,
				revoked BOOLEAN NOT NULL DEFAULT false,
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
			CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
		`,
	},
}

// Migrate applies pending migrations in order, each in its own
// transaction alongside the version bookkeeping.
func Migrate(ctx context.Context, db *sql.DB, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		log.WithFields(logrus.Fields{"version": m.version, "name": m.name}).Info("applied migration")
	}

	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
