package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles entity graph persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a new directory store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- Users ---

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, name, password_hash, is_system_owner, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash,
		user.IsSystemOwner, user.IsActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", mapDBError(err, "user"))
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, name, password_hash, is_system_owner, is_active, created_at, updated_at, last_login_at
		FROM users
		WHERE id = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, name, password_hash, is_system_owner, is_active, created_at, updated_at, last_login_at
		FROM users
		WHERE email = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	var lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash,
		&user.IsSystemOwner, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &lastLogin,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return user, nil
}

// RecordLogin stamps the user's last login time.
func (s *Store) RecordLogin(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET last_login_at = $1 WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, time.Now(), userID); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// DeactivateUser soft-deactivates a user. The row is never deleted
// while other entities reference it.
func (s *Store) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET is_active = false, updated_at = $1 WHERE id = $2`
	result, err := s.db.ExecContext(ctx, query, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	return s.requireRow(result, "user")
}

// CountSystemOwners returns the number of active system owners.
func (s *Store) CountSystemOwners(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM users WHERE is_system_owner = true AND is_active = true`
	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count system owners: %w", err)
	}
	return count, nil
}

// --- Teams ---

// CreateTeam inserts a new team record.
func (s *Store) CreateTeam(ctx context.Context, team *Team) error {
	query := `
		INSERT INTO teams (id, name, slug, description, parent_team_id, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now()
	if team.ID == uuid.Nil {
		team.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		team.ID, team.Name, team.Slug, team.Description,
		team.ParentTeamID, team.OwnerID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create team: %w", mapDBError(err, "team"))
	}
	team.CreatedAt = now
	team.UpdatedAt = now
	return nil
}

// GetTeam retrieves a team by ID.
func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*Team, error) {
	query := `
		SELECT id, name, slug, description, parent_team_id, owner_id, created_at, updated_at
		FROM teams
		WHERE id = $1
	`
	return s.scanTeam(s.db.QueryRowContext(ctx, query, id))
}

// GetTeamBySlug retrieves a team by slug.
func (s *Store) GetTeamBySlug(ctx context.Context, slug string) (*Team, error) {
	query := `
		SELECT id, name, slug, description, parent_team_id, owner_id, created_at, updated_at
		FROM teams
		WHERE slug = $1
	`
	return s.scanTeam(s.db.QueryRowContext(ctx, query, slug))
}

func (s *Store) scanTeam(row *sql.Row) (*Team, error) {
	team := &Team{}
	var parentID uuid.NullUUID
	err := row.Scan(
		&team.ID, &team.Name, &team.Slug, &team.Description,
		&parentID, &team.OwnerID, &team.CreatedAt, &team.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("team: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	if parentID.Valid {
		id := parentID.UUID
		team.ParentTeamID = &id
	}
	return team, nil
}

// ListSubTeams lists the direct children of a team.
func (s *Store) ListSubTeams(ctx context.Context, parentID uuid.UUID) ([]*Team, error) {
	query := `
		SELECT id, name, slug, description, parent_team_id, owner_id, created_at, updated_at
		FROM teams
		WHERE parent_team_id = $1
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		team := &Team{}
		var pid uuid.NullUUID
		if err := rows.Scan(
			&team.ID, &team.Name, &team.Slug, &team.Description,
			&pid, &team.OwnerID, &team.CreatedAt, &team.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		if pid.Valid {
			id := pid.UUID
			team.ParentTeamID = &id
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// CountSubTeams returns the number of direct children of a team.
func (s *Store) CountSubTeams(ctx context.Context, parentID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM teams WHERE parent_team_id = $1`, parentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sub-teams: %w", err)
	}
	return count, nil
}

// SetTeamParent re-points a team's parent. Acyclicity is the caller's
// responsibility; the store only performs the update.
func (s *Store) SetTeamParent(ctx context.Context, teamID uuid.UUID, parentID *uuid.UUID) error {
	query := `UPDATE teams SET parent_team_id = $1, updated_at = $2 WHERE id = $3`
	result, err := s.db.ExecContext(ctx, query, parentID, time.Now(), teamID)
	if err != nil {
		return fmt.Errorf("failed to set team parent: %w", err)
	}
	return s.requireRow(result, "team")
}

// DeleteTeam removes a team and its remaining grants in one
// transaction. The service checks preconditions first; at this point
// the team has no sub-teams, no roles and only the owner membership.
func (s *Store) DeleteTeam(ctx context.Context, teamID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		`DELETE FROM team_permissions WHERE team_id = $1`,
		`DELETE FROM team_workspaces WHERE team_id = $1`,
		`DELETE FROM user_workspaces WHERE team_id = $1`,
		`DELETE FROM team_members WHERE team_id = $1`,
		`DELETE FROM teams WHERE id = $1`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q, teamID); err != nil {
			return fmt.Errorf("failed to delete team: %w", err)
		}
	}
	return tx.Commit()
}

// --- Roles ---

// CreateRole inserts a new role record.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO roles (id, team_id, name, slug, is_admin, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now()
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		role.ID, role.TeamID, role.Name, role.Slug, role.IsAdmin, role.Priority, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", mapDBError(err, "role"))
	}
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID.
func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	query := `
		SELECT id, team_id, name, slug, is_admin, priority, created_at, updated_at
		FROM roles
		WHERE id = $1
	`
	role := &Role{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&role.ID, &role.TeamID, &role.Name, &role.Slug,
		&role.IsAdmin, &role.Priority, &role.CreatedAt, &role.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListTeamRoles lists a team's roles, most senior first.
func (s *Store) ListTeamRoles(ctx context.Context, teamID uuid.UUID) ([]*Role, error) {
	query := `
		SELECT id, team_id, name, slug, is_admin, priority, created_at, updated_at
		FROM roles
		WHERE team_id = $1
		ORDER BY priority DESC, name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role := &Role{}
		if err := rows.Scan(
			&role.ID, &role.TeamID, &role.Name, &role.Slug,
			&role.IsAdmin, &role.Priority, &role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CountTeamRoles returns the number of roles a team has.
func (s *Store) CountTeamRoles(ctx context.Context, teamID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM roles WHERE team_id = $1`, teamID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return count, nil
}

// MinTeamRolePriority returns the lowest priority among a team's
// roles, or -1 when the team has none.
func (s *Store) MinTeamRolePriority(ctx context.Context, teamID uuid.UUID) (int, error) {
	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(priority) FROM roles WHERE team_id = $1`, teamID).Scan(&min)
	if err != nil {
		return 0, fmt.Errorf("failed to get min role priority: %w", err)
	}
	if !min.Valid {
		return -1, nil
	}
	return int(min.Int64), nil
}

// SetRolePriority updates a role's priority.
func (s *Store) SetRolePriority(ctx context.Context, roleID uuid.UUID, priority int) error {
	query := `UPDATE roles SET priority = $1, updated_at = $2 WHERE id = $3`
	result, err := s.db.ExecContext(ctx, query, priority, time.Now(), roleID)
	if err != nil {
		return fmt.Errorf("failed to set role priority: %w", err)
	}
	return s.requireRow(result, "role")
}

// CountMembersWithRole returns how many members currently hold a role.
func (s *Store) CountMembersWithRole(ctx context.Context, roleID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE role_id = $1`, roleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count role holders: %w", err)
	}
	return count, nil
}

// DeleteRole removes a role, detaching its permission grants and
// clearing it from members in the same transaction. Membership rows
// survive with a null role.
func (s *Store) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to detach role permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE team_members SET role_id = NULL WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear member roles: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if err := s.requireRow(result, "role"); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Permissions ---

// CreatePermission inserts a new permission record.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	query := `
		INSERT INTO permissions (id, name, slug, description, team_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	now := time.Now()
	if perm.ID == uuid.Nil {
		perm.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		perm.ID, perm.Name, perm.Slug, perm.Description, perm.TeamID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", mapDBError(err, "permission"))
	}
	perm.CreatedAt = now
	return nil
}

// GetPermission retrieves a permission by ID.
func (s *Store) GetPermission(ctx context.Context, id uuid.UUID) (*Permission, error) {
	query := `
		SELECT id, name, slug, description, team_id, created_at
		FROM permissions
		WHERE id = $1
	`
	perm := &Permission{}
	var teamID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&perm.ID, &perm.Name, &perm.Slug, &perm.Description, &teamID, &perm.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	if teamID.Valid {
		tid := teamID.UUID
		perm.TeamID = &tid
	}
	return perm, nil
}

// AttachPermissionToRole grants a permission to a role. Duplicate
// grants are ignored.
func (s *Store) AttachPermissionToRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, roleID, permissionID, time.Now()); err != nil {
		return fmt.Errorf("failed to attach permission: %w", err)
	}
	return nil
}

// DetachPermissionFromRole removes a permission grant from a role.
func (s *Store) DetachPermissionFromRole(ctx context.Context, roleID, permissionID uuid.UUID) error {
	query := `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`
	if _, err := s.db.ExecContext(ctx, query, roleID, permissionID); err != nil {
		return fmt.Errorf("failed to detach permission: %w", err)
	}
	return nil
}

// GrantPermissionToTeam makes a team-scoped permission assignable
// within another team's roles.
func (s *Store) GrantPermissionToTeam(ctx context.Context, teamID, permissionID uuid.UUID) error {
	query := `
		INSERT INTO team_permissions (team_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, permission_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, teamID, permissionID, time.Now()); err != nil {
		return fmt.Errorf("failed to grant permission to team: %w", err)
	}
	return nil
}

// RevokePermissionFromTeam withdraws a TeamPermission grant.
func (s *Store) RevokePermissionFromTeam(ctx context.Context, teamID, permissionID uuid.UUID) error {
	query := `DELETE FROM team_permissions WHERE team_id = $1 AND permission_id = $2`
	if _, err := s.db.ExecContext(ctx, query, teamID, permissionID); err != nil {
		return fmt.Errorf("failed to revoke permission from team: %w", err)
	}
	return nil
}

// HasTeamPermissionGrant reports whether a team holds an explicit
// grant for a permission.
func (s *Store) HasTeamPermissionGrant(ctx context.Context, teamID, permissionID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM team_permissions WHERE team_id = $1 AND permission_id = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, teamID, permissionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check team grant: %w", err)
	}
	return exists, nil
}

// --- Members ---

// AddMember inserts a membership row.
func (s *Store) AddMember(ctx context.Context, member *TeamMember) error {
	query := `
		INSERT INTO team_members (id, team_id, user_id, role_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	now := time.Now()
	if member.ID == uuid.Nil {
		member.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		member.ID, member.TeamID, member.UserID, member.RoleID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", mapDBError(err, "membership"))
	}
	member.CreatedAt = now
	return nil
}

// GetMember retrieves the membership row for a (team, user) pair.
func (s *Store) GetMember(ctx context.Context, teamID, userID uuid.UUID) (*TeamMember, error) {
	query := `
		SELECT id, team_id, user_id, role_id, created_at
		FROM team_members
		WHERE team_id = $1 AND user_id = $2
	`
	member := &TeamMember{}
	var roleID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, query, teamID, userID).Scan(
		&member.ID, &member.TeamID, &member.UserID, &roleID, &member.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("membership: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	if roleID.Valid {
		rid := roleID.UUID
		member.RoleID = &rid
	}
	return member, nil
}

// ListTeamMembers lists all membership rows for a team.
func (s *Store) ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]*TeamMember, error) {
	query := `
		SELECT id, team_id, user_id, role_id, created_at
		FROM team_members
		WHERE team_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*TeamMember
	for rows.Next() {
		member := &TeamMember{}
		var roleID uuid.NullUUID
		if err := rows.Scan(
			&member.ID, &member.TeamID, &member.UserID, &roleID, &member.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if roleID.Valid {
			rid := roleID.UUID
			member.RoleID = &rid
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// CountNonOwnerMembers counts members of a team other than its owner.
func (s *Store) CountNonOwnerMembers(ctx context.Context, teamID, ownerID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = $1 AND user_id != $2`,
		teamID, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

// SetMemberRole assigns or clears a member's role.
func (s *Store) SetMemberRole(ctx context.Context, teamID, userID uuid.UUID, roleID *uuid.UUID) error {
	query := `UPDATE team_members SET role_id = $1 WHERE team_id = $2 AND user_id = $3`
	result, err := s.db.ExecContext(ctx, query, roleID, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to set member role: %w", err)
	}
	return s.requireRow(result, "membership")
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error {
	query := `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, query, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return s.requireRow(result, "membership")
}

// --- Workspaces ---

// CreateWorkspace inserts a new workspace record.
func (s *Store) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	query := `
		INSERT INTO workspaces (id, name, slug, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	now := time.Now()
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query, ws.ID, ws.Name, ws.Slug, ws.Description, now)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", mapDBError(err, "workspace"))
	}
	ws.CreatedAt = now
	return nil
}

// GrantWorkspaceToTeam grants a workspace to every member of a team.
func (s *Store) GrantWorkspaceToTeam(ctx context.Context, teamID, workspaceID uuid.UUID) error {
	query := `
		INSERT INTO team_workspaces (team_id, workspace_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, workspace_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, teamID, workspaceID, time.Now()); err != nil {
		return fmt.Errorf("failed to grant workspace to team: %w", err)
	}
	return nil
}

// GrantWorkspaceToUser grants a workspace to a single user within a
// team context.
func (s *Store) GrantWorkspaceToUser(ctx context.Context, userID, teamID, workspaceID uuid.UUID) error {
	query := `
		INSERT INTO user_workspaces (user_id, team_id, workspace_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, team_id, workspace_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, userID, teamID, workspaceID, time.Now()); err != nil {
		return fmt.Errorf("failed to grant workspace to user: %w", err)
	}
	return nil
}

// ListUserWorkspaces returns the workspaces a user can reach, through
// team grants and individual grants combined.
func (s *Store) ListUserWorkspaces(ctx context.Context, userID uuid.UUID) ([]*Workspace, error) {
	query := `
		SELECT DISTINCT w.id, w.name, w.slug, w.description, w.created_at
		FROM workspaces w
		LEFT JOIN team_workspaces tw ON tw.workspace_id = w.id
		LEFT JOIN team_members tm ON tm.team_id = tw.team_id AND tm.user_id = $1
		LEFT JOIN user_workspaces uw ON uw.workspace_id = w.id AND uw.user_id = $1
		WHERE tm.user_id IS NOT NULL OR uw.user_id IS NOT NULL
		ORDER BY w.name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		ws := &Workspace{}
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Slug, &ws.Description, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// --- Invitations ---

// CreateInvitation inserts a new invitation record.
func (s *Store) CreateInvitation(ctx context.Context, inv *Invitation) error {
	query := `
		INSERT INTO invitations (id, token_hash, email, type, team_id, role_id, status, invited_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	now := time.Now()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.TokenHash, inv.Email, inv.Type, inv.TeamID, inv.RoleID,
		inv.Status, inv.InvitedBy, inv.ExpiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", mapDBError(err, "invitation"))
	}
	inv.CreatedAt = now
	return nil
}

// GetInvitation retrieves an invitation by its ID.
func (s *Store) GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	query := `
		SELECT id, token_hash, email, type, team_id, role_id, status, invited_by, expires_at, created_at
		FROM invitations
		WHERE id = $1
	`
	return s.scanInvitation(s.db.QueryRowContext(ctx, query, id))
}

// GetInvitationByTokenHash retrieves an invitation by its token hash.
func (s *Store) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error) {
	query := `
		SELECT id, token_hash, email, type, team_id, role_id, status, invited_by, expires_at, created_at
		FROM invitations
		WHERE token_hash = $1
	`
	return s.scanInvitation(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *Store) scanInvitation(row *sql.Row) (*Invitation, error) {
	inv := &Invitation{}
	var teamID, roleID uuid.NullUUID
	err := row.Scan(
		&inv.ID, &inv.TokenHash, &inv.Email, &inv.Type, &teamID, &roleID,
		&inv.Status, &inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invitation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	if teamID.Valid {
		tid := teamID.UUID
		inv.TeamID = &tid
	}
	if roleID.Valid {
		rid := roleID.UUID
		inv.RoleID = &rid
	}
	return inv, nil
}

// TransitionInvitation moves a pending invitation to a terminal
// status. The conditional update makes acceptance single-use under
// concurrent attempts.
func (s *Store) TransitionInvitation(ctx context.Context, id uuid.UUID, to InvitationStatus) error {
	query := `UPDATE invitations SET status = $1 WHERE id = $2 AND status = $3`
	result, err := s.db.ExecContext(ctx, query, to, id, InvitationStatusPending)
	if err != nil {
		return fmt.Errorf("failed to transition invitation: %w", err)
	}
	return s.requireRow(result, "invitation")
}

func (s *Store) requireRow(result sql.Result, entity string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}
