package directory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AdminRolePriority is the priority assigned to a team's first role.
const AdminRolePriority = 100

// User is an authenticated principal.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	PasswordHash  string     `json:"-"`
	IsSystemOwner bool       `json:"is_system_owner"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
}

// Team is a node in the team forest. A nil ParentTeamID marks a root team.
type Team struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Slug         string     `json:"slug"`
	Description  string     `json:"description,omitempty"`
	ParentTeamID *uuid.UUID `json:"parent_team_id,omitempty"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsRoot reports whether the team sits at the top of its tree.
func (t *Team) IsRoot() bool {
	return t.ParentTeamID == nil
}

// Role belongs to exactly one team. Priority orders roles within that
// team; higher is more senior.
type Role struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsAdmin   bool      `json:"is_admin"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission is a named capability. A nil TeamID marks a global
// permission usable by any team's roles.
type Permission struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description,omitempty"`
	TeamID      *uuid.UUID `json:"team_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsGlobal reports whether the permission is visible to every team.
func (p *Permission) IsGlobal() bool {
	return p.TeamID == nil
}

// TeamMember joins a user to a team, optionally with a role. At most
// one row exists per (team, user) pair.
type TeamMember struct {
	ID        uuid.UUID  `json:"id"`
	TeamID    uuid.UUID  `json:"team_id"`
	UserID    uuid.UUID  `json:"user_id"`
	RoleID    *uuid.UUID `json:"role_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Workspace is a flat shared resource granted to teams or users.
type Workspace struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InvitationType distinguishes what an invitation grants on acceptance.
type InvitationType string

const (
	InvitationTypeSystemOwner InvitationType = "system_owner"
	InvitationTypeTeamMember  InvitationType = "team_member"
)

// InvitationStatus tracks the invitation lifecycle.
type InvitationStatus string

const (
	InvitationStatusPending   InvitationStatus = "pending"
	InvitationStatusAccepted  InvitationStatus = "accepted"
	InvitationStatusExpired   InvitationStatus = "expired"
	InvitationStatusCancelled InvitationStatus = "cancelled"
)

// Invitation is a pending offer to join the system or a team. Only the
// token hash is stored.
type Invitation struct {
	ID        uuid.UUID        `json:"id"`
	TokenHash string           `json:"-"`
	Email     string           `json:"email"`
	Type      InvitationType   `json:"type"`
	TeamID    *uuid.UUID       `json:"team_id,omitempty"`
	RoleID    *uuid.UUID       `json:"role_id,omitempty"`
	Status    InvitationStatus `json:"status"`
	InvitedBy uuid.UUID        `json:"invited_by"`
	ExpiresAt time.Time        `json:"expires_at"`
	CreatedAt time.Time        `json:"created_at"`
}

// IsExpired reports whether the invitation has passed its expiry.
func (i *Invitation) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Slugify derives a URL-safe slug from a display name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return strings.Trim(slug, "-")
}
