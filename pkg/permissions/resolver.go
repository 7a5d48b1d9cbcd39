package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Resolver computes effective permission sets against the entity
// graph. It has no state beyond the database handle and never mutates
// anything.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a permission resolver.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// TeamMembership describes one team a user belongs to, for claims
// assembly.
type TeamMembership struct {
	TeamID   uuid.UUID `json:"team_id"`
	TeamSlug string    `json:"team_slug"`
	TeamName string    `json:"team_name"`
}

// RoleAssignment describes one role a user holds, for claims assembly.
type RoleAssignment struct {
	TeamSlug string `json:"team_slug"`
	RoleSlug string `json:"role_slug"`
	IsAdmin  bool   `json:"is_admin"`
	Priority int    `json:"priority"`
}

// WorkspaceGrant describes one workspace a user can reach.
type WorkspaceGrant struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
}

// ResolveTeamPermissions returns the set of permission slugs the user
// effectively holds within a team. Unknown users, non-members and
// members without a role all resolve to the empty set, never an error.
//
// A permission reaches the result only when the member's role has it
// attached AND it is visible to the team: global (no owning team),
// owned by this team, or explicitly granted via a team grant.
func (r *Resolver) ResolveTeamPermissions(ctx context.Context, userID, teamID uuid.UUID) ([]string, error) {
	query := `
		SELECT DISTINCT p.slug
		FROM team_members tm
		JOIN role_permissions rp ON rp.role_id = tm.role_id
		JOIN permissions p ON p.id = rp.permission_id
		LEFT JOIN team_permissions tp ON tp.permission_id = p.id AND tp.team_id = tm.team_id
		WHERE tm.user_id = $1 AND tm.team_id = $2
		  AND (p.team_id IS NULL OR p.team_id = tm.team_id OR tp.team_id IS NOT NULL)
	`
	return r.querySlugs(ctx, query, userID, teamID)
}

// ResolveUserPermissions returns the union of the user's permission
// slugs across every team they belong to, deduplicated.
func (r *Resolver) ResolveUserPermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	query := `
		SELECT DISTINCT p.slug
		FROM team_members tm
		JOIN role_permissions rp ON rp.role_id = tm.role_id
		JOIN permissions p ON p.id = rp.permission_id
		LEFT JOIN team_permissions tp ON tp.permission_id = p.id AND tp.team_id = tm.team_id
		WHERE tm.user_id = $1
		  AND (p.team_id IS NULL OR p.team_id = tm.team_id OR tp.team_id IS NOT NULL)
	`
	return r.querySlugs(ctx, query, userID)
}

// HasPermission reports whether the user holds a single permission
// within a team.
func (r *Resolver) HasPermission(ctx context.Context, userID, teamID uuid.UUID, slug string) (bool, error) {
	slugs, err := r.ResolveTeamPermissions(ctx, userID, teamID)
	if err != nil {
		return false, err
	}
	for _, s := range slugs {
		if s == slug {
			return true, nil
		}
	}
	return false, nil
}

// UserTeams lists the teams a user belongs to.
func (r *Resolver) UserTeams(ctx context.Context, userID uuid.UUID) ([]TeamMembership, error) {
	query := `
		SELECT t.id, t.slug, t.name
		FROM teams t
		JOIN team_members tm ON tm.team_id = t.id
		WHERE tm.user_id = $1
		ORDER BY t.slug ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user teams: %w", err)
	}
	defer rows.Close()

	teams := make([]TeamMembership, 0)
	for rows.Next() {
		var tm TeamMembership
		if err := rows.Scan(&tm.TeamID, &tm.TeamSlug, &tm.TeamName); err != nil {
			return nil, fmt.Errorf("failed to scan team membership: %w", err)
		}
		teams = append(teams, tm)
	}
	return teams, rows.Err()
}

// UserRoles lists the roles a user holds across all teams.
func (r *Resolver) UserRoles(ctx context.Context, userID uuid.UUID) ([]RoleAssignment, error) {
	query := `
		SELECT t.slug, ro.slug, ro.is_admin, ro.priority
		FROM team_members tm
		JOIN roles ro ON ro.id = tm.role_id
		JOIN teams t ON t.id = tm.team_id
		WHERE tm.user_id = $1
		ORDER BY t.slug ASC, ro.priority DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]RoleAssignment, 0)
	for rows.Next() {
		var ra RoleAssignment
		if err := rows.Scan(&ra.TeamSlug, &ra.RoleSlug, &ra.IsAdmin, &ra.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		roles = append(roles, ra)
	}
	return roles, rows.Err()
}

// UserWorkspaces lists the workspaces a user can reach through team
// grants and individual grants combined.
func (r *Resolver) UserWorkspaces(ctx context.Context, userID uuid.UUID) ([]WorkspaceGrant, error) {
	query := `
		SELECT DISTINCT w.id, w.slug, w.name
		FROM workspaces w
		LEFT JOIN team_workspaces tw ON tw.workspace_id = w.id
		LEFT JOIN team_members tm ON tm.team_id = tw.team_id AND tm.user_id = $1
		LEFT JOIN user_workspaces uw ON uw.workspace_id = w.id AND uw.user_id = $1
		WHERE tm.user_id IS NOT NULL OR uw.user_id IS NOT NULL
		ORDER BY w.slug ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user workspaces: %w", err)
	}
	defer rows.Close()

	grants := make([]WorkspaceGrant, 0)
	for rows.Next() {
		var wg WorkspaceGrant
		if err := rows.Scan(&wg.WorkspaceID, &wg.Slug, &wg.Name); err != nil {
			return nil, fmt.Errorf("failed to scan workspace grant: %w", err)
		}
		grants = append(grants, wg)
	}
	return grants, rows.Err()
}

func (r *Resolver) querySlugs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	defer rows.Close()

	slugs := make([]string, 0)
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan permission slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Deterministic order for stable claims and comparisons.
	sort.Strings(slugs)
	return slugs, nil
}
