package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telechubbiies/identity/pkg/audit"
	"github.com/telechubbiies/identity/pkg/credentials"
	"github.com/telechubbiies/identity/pkg/observability"
)

// Service enforces entity graph invariants on top of the Store. All
// mutations check the acting user's authority and record an activity
// event; activity write failures are logged but never fail the
// mutation itself.
type Service struct {
	store         *Store
	logger        *observability.Logger
	audit         audit.Logger
	invitationTTL time.Duration
}

// NewService creates a directory service.
func NewService(store *Store, logger *observability.Logger, auditLog audit.Logger, invitationTTL time.Duration) *Service {
	if auditLog == nil {
		auditLog = audit.NewNoOpLogger()
	}
	return &Service{
		store:         store,
		logger:        logger,
		audit:         auditLog,
		invitationTTL: invitationTTL,
	}
}

// Store exposes the underlying store for read paths that need no
// invariant enforcement.
func (s *Service) Store() *Store {
	return s.store
}

// --- Bootstrap ---

// Bootstrap creates the first system owner. It fails once any system
// owner exists; later owners arrive via invitation.
func (s *Service) Bootstrap(ctx context.Context, email, name, password string) (*User, error) {
	count, err := s.store.CountSystemOwners(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("system owner already exists: %w", ErrConflict)
	}

	hash, err := credentials.HashPassword(password, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		Email:         email,
		Name:          name,
		PasswordHash:  hash,
		IsSystemOwner: true,
		IsActive:      true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", user.ID.String()).Info("bootstrapped first system owner")
	return user, nil
}

// --- Teams ---

// CreateTeam creates a team. Root teams require a system owner;
// sub-teams require admin authority over the parent. The owner is
// added as a member immediately, that membership can never be removed.
func (s *Service) CreateTeam(ctx context.Context, actor *User, name, slug, description string, parentID *uuid.UUID) (*Team, error) {
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" || slug == "" {
		return nil, fmt.Errorf("team name is required: %w", ErrInvalid)
	}

	if parentID == nil {
		if !actor.IsSystemOwner {
			return nil, fmt.Errorf("only a system owner may create root teams: %w", ErrForbidden)
		}
	} else {
		if _, err := s.store.GetTeam(ctx, *parentID); err != nil {
			return nil, err
		}
		if err := s.requireTeamAdmin(ctx, actor, *parentID); err != nil {
			return nil, err
		}
	}

	team := &Team{
		Name:         name,
		Slug:         slug,
		Description:  description,
		ParentTeamID: parentID,
		OwnerID:      actor.ID,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, err
	}

	// Owner membership is implicit and permanent.
	member := &TeamMember{TeamID: team.ID, UserID: actor.ID}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to add owner membership: %w", err)
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeTeamCreated, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, team.ID.String(), team.Slug))
	return team, nil
}

// ReparentTeam moves a team under a new parent. The move is rejected
// when it would introduce a cycle: the new parent may not be the team
// itself or any of its descendants.
func (s *Service) ReparentTeam(ctx context.Context, actor *User, teamID uuid.UUID, newParentID *uuid.UUID) error {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}

	if newParentID == nil {
		// Promoting to a root team.
		if !actor.IsSystemOwner {
			return fmt.Errorf("only a system owner may promote a team to root: %w", ErrForbidden)
		}
	} else {
		if *newParentID == teamID {
			return fmt.Errorf("team cannot be its own parent: %w", ErrInvalid)
		}
		if err := s.requireTeamAdmin(ctx, actor, *newParentID); err != nil {
			return err
		}
		// Walk the new parent's ancestor chain; hitting the moved team
		// means the new parent is one of its descendants.
		cursor := newParentID
		seen := make(map[uuid.UUID]bool)
		for cursor != nil {
			if *cursor == teamID {
				return fmt.Errorf("move would create a cycle in the team tree: %w", ErrInvalid)
			}
			if seen[*cursor] {
				return fmt.Errorf("team tree is corrupted, cycle detected at %s: %w", cursor, ErrInvalid)
			}
			seen[*cursor] = true
			ancestor, err := s.store.GetTeam(ctx, *cursor)
			if err != nil {
				return err
			}
			cursor = ancestor.ParentTeamID
		}
	}

	if err := s.store.SetTeamParent(ctx, teamID, newParentID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeTeamReparented, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), team.Slug))
	return nil
}

// DeleteTeam removes a team after checking its preconditions: no
// sub-teams, no roles, no members beyond the owner. The deletes run as
// explicit ordered statements, never storage-engine cascades.
func (s *Service) DeleteTeam(ctx context.Context, actor *User, teamID uuid.UUID) error {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}

	subTeams, err := s.store.CountSubTeams(ctx, teamID)
	if err != nil {
		return err
	}
	if subTeams > 0 {
		return fmt.Errorf("team has %d sub-teams: %w", subTeams, ErrInvalid)
	}

	roles, err := s.store.CountTeamRoles(ctx, teamID)
	if err != nil {
		return err
	}
	if roles > 0 {
		return fmt.Errorf("team has %d roles: %w", roles, ErrInvalid)
	}

	members, err := s.store.CountNonOwnerMembers(ctx, teamID, team.OwnerID)
	if err != nil {
		return err
	}
	if members > 0 {
		return fmt.Errorf("team has %d members besides the owner: %w", members, ErrInvalid)
	}

	if err := s.store.DeleteTeam(ctx, teamID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeTeamDeleted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), team.Slug))
	return nil
}

// --- Roles ---

// CreateRole creates a role within a team. The first role of a team is
// always the admin role at priority 100. Later roles are never admin
// and slot in below the current most junior role.
func (s *Service) CreateRole(ctx context.Context, actor *User, teamID uuid.UUID, name, slug string) (*Role, error) {
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" || slug == "" {
		return nil, fmt.Errorf("role name is required: %w", ErrInvalid)
	}
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return nil, err
	}

	count, err := s.store.CountTeamRoles(ctx, teamID)
	if err != nil {
		return nil, err
	}

	role := &Role{TeamID: teamID, Name: name, Slug: slug}
	if count == 0 {
		role.IsAdmin = true
		role.Priority = AdminRolePriority
	} else {
		min, err := s.store.MinTeamRolePriority(ctx, teamID)
		if err != nil {
			return nil, err
		}
		role.Priority = min - 1
		if role.Priority < 0 {
			role.Priority = 0
		}
	}

	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeRoleCreated, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeRole, role.ID.String(), role.Slug).
		WithMeta("is_admin", role.IsAdmin).
		WithMeta("priority", role.Priority))
	return role, nil
}

// SetRolePriority changes a single role's priority. Admin roles keep
// their fixed priority, and a role currently held by members is
// locked against priority changes.
func (s *Service) SetRolePriority(ctx context.Context, actor *User, roleID uuid.UUID, priority int) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireTeamAdmin(ctx, actor, role.TeamID); err != nil {
		return err
	}
	if role.IsAdmin {
		return fmt.Errorf("admin role priority is fixed: %w", ErrInvalid)
	}
	if priority < 0 || priority >= AdminRolePriority {
		return fmt.Errorf("priority must be between 0 and %d: %w", AdminRolePriority-1, ErrInvalid)
	}

	holders, err := s.store.CountMembersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("role is held by %d members and cannot be reordered: %w", holders, ErrInvalid)
	}

	if err := s.store.SetRolePriority(ctx, roleID, priority); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeRoleReordered, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeRole, roleID.String(), role.Slug).
		WithMeta("priority", priority))
	return nil
}

// ReorderRoles rewrites the priorities of a team's non-admin roles
// according to the given order, most senior first, starting just below
// the admin priority. Admin roles may not appear in the list, and any
// listed role held by members blocks the reorder.
func (s *Service) ReorderRoles(ctx context.Context, actor *User, teamID uuid.UUID, orderedRoleIDs []uuid.UUID) error {
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}

	roles := make([]*Role, 0, len(orderedRoleIDs))
	for _, id := range orderedRoleIDs {
		role, err := s.store.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.TeamID != teamID {
			return fmt.Errorf("role %s does not belong to team %s: %w", id, teamID, ErrInvalid)
		}
		if role.IsAdmin {
			return fmt.Errorf("admin role cannot be reordered: %w", ErrInvalid)
		}
		holders, err := s.store.CountMembersWithRole(ctx, id)
		if err != nil {
			return err
		}
		if holders > 0 {
			return fmt.Errorf("role %s is held by %d members and cannot be reordered: %w", role.Slug, holders, ErrInvalid)
		}
		roles = append(roles, role)
	}

	priority := AdminRolePriority - 1
	for _, role := range roles {
		if err := s.store.SetRolePriority(ctx, role.ID, priority); err != nil {
			return err
		}
		if priority > 0 {
			priority--
		}
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeRoleReordered, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), "").
		WithMeta("roles", len(roles)))
	return nil
}

// DeleteRole removes a role. Its permission grants are detached and
// members holding it keep their membership with no role.
func (s *Service) DeleteRole(ctx context.Context, actor *User, roleID uuid.UUID) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireTeamAdmin(ctx, actor, role.TeamID); err != nil {
		return err
	}

	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeRoleDeleted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeRole, roleID.String(), role.Slug))
	return nil
}

// --- Permissions ---

// CreatePermission creates a permission. Global permissions (no team)
// require a system owner; team-scoped permissions require admin
// authority over the owning team.
func (s *Service) CreatePermission(ctx context.Context, actor *User, name, slug, description string, teamID *uuid.UUID) (*Permission, error) {
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" || slug == "" {
		return nil, fmt.Errorf("permission name is required: %w", ErrInvalid)
	}

	if teamID == nil {
		if !actor.IsSystemOwner {
			return nil, fmt.Errorf("only a system owner may create global permissions: %w", ErrForbidden)
		}
	} else {
		if _, err := s.store.GetTeam(ctx, *teamID); err != nil {
			return nil, err
		}
		if err := s.requireTeamAdmin(ctx, actor, *teamID); err != nil {
			return nil, err
		}
	}

	perm := &Permission{Name: name, Slug: slug, Description: description, TeamID: teamID}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypePermissionCreated, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypePermission, perm.ID.String(), perm.Slug).
		WithMeta("global", perm.IsGlobal()))
	return perm, nil
}

// AttachPermissionToRole grants a permission to a role. The permission
// must be visible to the role's team: global, owned by that team, or
// explicitly granted to it.
func (s *Service) AttachPermissionToRole(ctx context.Context, actor *User, roleID, permissionID uuid.UUID) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireTeamAdmin(ctx, actor, role.TeamID); err != nil {
		return err
	}

	visible, err := s.permissionVisibleToTeam(ctx, permissionID, role.TeamID)
	if err != nil {
		return err
	}
	if !visible {
		return fmt.Errorf("permission is not visible to the role's team: %w", ErrForbidden)
	}

	if err := s.store.AttachPermissionToRole(ctx, roleID, permissionID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypePermissionGranted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeRole, roleID.String(), role.Slug).
		WithMeta("permission_id", permissionID.String()))
	return nil
}

// DetachPermissionFromRole withdraws a permission from a role.
func (s *Service) DetachPermissionFromRole(ctx context.Context, actor *User, roleID, permissionID uuid.UUID) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireTeamAdmin(ctx, actor, role.TeamID); err != nil {
		return err
	}

	if err := s.store.DetachPermissionFromRole(ctx, roleID, permissionID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypePermissionRevoked, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeRole, roleID.String(), role.Slug).
		WithMeta("permission_id", permissionID.String()))
	return nil
}

// GrantPermissionToTeam makes a team-scoped permission assignable by
// another team's roles. Inheritance across the tree is always this
// explicit grant, never implied by tree position. Authority sits with
// the permission's owning team.
func (s *Service) GrantPermissionToTeam(ctx context.Context, actor *User, teamID, permissionID uuid.UUID) error {
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if perm.IsGlobal() {
		return fmt.Errorf("global permissions are visible everywhere and need no grant: %w", ErrInvalid)
	}
	if err := s.requireTeamAdmin(ctx, actor, *perm.TeamID); err != nil {
		return err
	}
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		return err
	}

	if err := s.store.GrantPermissionToTeam(ctx, teamID, permissionID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypePermissionGranted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), "").
		WithMeta("permission_id", permissionID.String()))
	return nil
}

func (s *Service) permissionVisibleToTeam(ctx context.Context, permissionID, teamID uuid.UUID) (bool, error) {
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return false, err
	}
	if perm.IsGlobal() {
		return true, nil
	}
	if *perm.TeamID == teamID {
		return true, nil
	}
	return s.store.HasTeamPermissionGrant(ctx, teamID, permissionID)
}

// --- Members ---

// AddMember adds a user to a team, optionally with a role belonging to
// that team.
func (s *Service) AddMember(ctx context.Context, actor *User, teamID, userID uuid.UUID, roleID *uuid.UUID) (*TeamMember, error) {
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if roleID != nil {
		role, err := s.store.GetRole(ctx, *roleID)
		if err != nil {
			return nil, err
		}
		if role.TeamID != teamID {
			return nil, fmt.Errorf("role belongs to a different team: %w", ErrInvalid)
		}
	}

	member := &TeamMember{TeamID: teamID, UserID: userID, RoleID: roleID}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeMemberAdded, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), "").
		WithMeta("user_id", userID.String()))
	return member, nil
}

// RemoveMember removes a user from a team. The owner's membership is
// implicit and can never be removed.
func (s *Service) RemoveMember(ctx context.Context, actor *User, teamID, userID uuid.UUID) error {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if userID == team.OwnerID {
		return fmt.Errorf("team owner membership cannot be removed: %w", ErrInvalid)
	}
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}

	if err := s.store.RemoveMember(ctx, teamID, userID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeMemberRemoved, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), team.Slug).
		WithMeta("user_id", userID.String()))
	return nil
}

// SetMemberRole assigns, replaces or clears a member's role.
func (s *Service) SetMemberRole(ctx context.Context, actor *User, teamID, userID uuid.UUID, roleID *uuid.UUID) error {
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}
	if roleID != nil {
		role, err := s.store.GetRole(ctx, *roleID)
		if err != nil {
			return err
		}
		if role.TeamID != teamID {
			return fmt.Errorf("role belongs to a different team: %w", ErrInvalid)
		}
	}

	if err := s.store.SetMemberRole(ctx, teamID, userID, roleID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeMemberRoleChanged, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeTeam, teamID.String(), "").
		WithMeta("user_id", userID.String()))
	return nil
}

// --- Workspaces ---

// CreateWorkspace creates a workspace. System owners only; workspaces
// are then granted out to teams and users.
func (s *Service) CreateWorkspace(ctx context.Context, actor *User, name, slug, description string) (*Workspace, error) {
	if !actor.IsSystemOwner {
		return nil, fmt.Errorf("only a system owner may create workspaces: %w", ErrForbidden)
	}
	if slug == "" {
		slug = Slugify(name)
	}
	if name == "" || slug == "" {
		return nil, fmt.Errorf("workspace name is required: %w", ErrInvalid)
	}

	ws := &Workspace{Name: name, Slug: slug, Description: description}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// GrantWorkspaceToTeam grants a workspace to all of a team's members.
func (s *Service) GrantWorkspaceToTeam(ctx context.Context, actor *User, teamID, workspaceID uuid.UUID) error {
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}
	if err := s.store.GrantWorkspaceToTeam(ctx, teamID, workspaceID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeWorkspaceGranted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeWorkspace, workspaceID.String(), "").
		WithMeta("team_id", teamID.String()))
	return nil
}

// GrantWorkspaceToUser grants a workspace to one user within a team
// context. The user must already be a member of that team.
func (s *Service) GrantWorkspaceToUser(ctx context.Context, actor *User, userID, teamID, workspaceID uuid.UUID) error {
	if err := s.requireTeamAdmin(ctx, actor, teamID); err != nil {
		return err
	}
	if _, err := s.store.GetMember(ctx, teamID, userID); err != nil {
		return err
	}
	if err := s.store.GrantWorkspaceToUser(ctx, userID, teamID, workspaceID); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeWorkspaceGranted, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeWorkspace, workspaceID.String(), "").
		WithMeta("team_id", teamID.String()).
		WithMeta("user_id", userID.String()))
	return nil
}

// --- Invitations ---

// InviteUser creates an invitation and returns it along with the
// plaintext token, exactly once. Only the token's hash is stored.
func (s *Service) InviteUser(ctx context.Context, actor *User, email string, invType InvitationType, teamID, roleID *uuid.UUID) (*Invitation, string, error) {
	switch invType {
	case InvitationTypeSystemOwner:
		if !actor.IsSystemOwner {
			return nil, "", fmt.Errorf("only a system owner may invite system owners: %w", ErrForbidden)
		}
	case InvitationTypeTeamMember:
		if teamID == nil {
			return nil, "", fmt.Errorf("team invitation requires a team: %w", ErrInvalid)
		}
		if err := s.requireTeamAdmin(ctx, actor, *teamID); err != nil {
			return nil, "", err
		}
		if roleID != nil {
			role, err := s.store.GetRole(ctx, *roleID)
			if err != nil {
				return nil, "", err
			}
			if role.TeamID != *teamID {
				return nil, "", fmt.Errorf("role belongs to a different team: %w", ErrInvalid)
			}
		}
	default:
		return nil, "", fmt.Errorf("unknown invitation type %q: %w", invType, ErrInvalid)
	}

	token, tokenHash, err := credentials.GenerateToken(credentials.InvitationTokenBytes)
	if err != nil {
		return nil, "", err
	}

	inv := &Invitation{
		TokenHash: tokenHash,
		Email:     email,
		Type:      invType,
		TeamID:    teamID,
		RoleID:    roleID,
		Status:    InvitationStatusPending,
		InvitedBy: actor.ID,
		ExpiresAt: time.Now().Add(s.invitationTTL),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return nil, "", err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeInvitationCreated, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeInvitation, inv.ID.String(), email).
		WithMeta("type", string(invType)))
	return inv, token, nil
}

// AcceptInvitation redeems an invitation token, creating the invited
// user and wiring up the granted access. The status transition is
// conditional on the invitation still being pending, so concurrent
// acceptances have exactly one winner.
func (s *Service) AcceptInvitation(ctx context.Context, token, name, password string) (*User, error) {
	inv, err := s.store.GetInvitationByTokenHash(ctx, credentials.HashToken(token))
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationStatusPending {
		return nil, fmt.Errorf("invitation is %s: %w", inv.Status, ErrInvalid)
	}
	if inv.IsExpired() {
		// Lazy expiry: flip the status on first use after the deadline.
		if err := s.store.TransitionInvitation(ctx, inv.ID, InvitationStatusExpired); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("invitation has expired: %w", ErrInvalid)
	}

	if err := s.store.TransitionInvitation(ctx, inv.ID, InvitationStatusAccepted); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("invitation already redeemed: %w", ErrConflict)
		}
		return nil, err
	}

	hash, err := credentials.HashPassword(password, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		Email:         inv.Email,
		Name:          name,
		PasswordHash:  hash,
		IsSystemOwner: inv.Type == InvitationTypeSystemOwner,
		IsActive:      true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if inv.Type == InvitationTypeTeamMember && inv.TeamID != nil {
		member := &TeamMember{TeamID: *inv.TeamID, UserID: user.ID, RoleID: inv.RoleID}
		if err := s.store.AddMember(ctx, member); err != nil {
			return nil, err
		}
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeInvitationAccepted, audit.EventStatusSuccess).
		WithActor(user.ID, user.Email).
		WithResource(audit.ResourceTypeInvitation, inv.ID.String(), inv.Email))
	return user, nil
}

// CancelInvitation withdraws a pending invitation. Only the inviter,
// an admin of the invitation's team, or a system owner may cancel;
// system-owner invitations take a system owner.
func (s *Service) CancelInvitation(ctx context.Context, actor *User, invitationID uuid.UUID) error {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if !actor.IsSystemOwner {
		if inv.Type == InvitationTypeSystemOwner {
			return fmt.Errorf("only a system owner may cancel a system owner invitation: %w", ErrForbidden)
		}
		if actor.ID != inv.InvitedBy {
			if inv.TeamID == nil {
				return fmt.Errorf("only the inviter may cancel this invitation: %w", ErrForbidden)
			}
			if err := s.requireTeamAdmin(ctx, actor, *inv.TeamID); err != nil {
				return err
			}
		}
	}

	if err := s.store.TransitionInvitation(ctx, invitationID, InvitationStatusCancelled); err != nil {
		return err
	}

	s.record(ctx, audit.NewEvent(audit.EventTypeInvitationRevoked, audit.EventStatusSuccess).
		WithActor(actor.ID, actor.Email).
		WithResource(audit.ResourceTypeInvitation, invitationID.String(), ""))
	return nil
}

// --- Authority ---

// requireTeamAdmin checks that the actor may administer the team:
// system owners and the team owner always may, other members only when
// they hold the team's admin role.
func (s *Service) requireTeamAdmin(ctx context.Context, actor *User, teamID uuid.UUID) error {
	if actor.IsSystemOwner {
		return nil
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if team.OwnerID == actor.ID {
		return nil
	}

	member, err := s.store.GetMember(ctx, teamID, actor.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("not a member of team %s: %w", team.Slug, ErrForbidden)
		}
		return err
	}
	if member.RoleID == nil {
		return fmt.Errorf("no role in team %s: %w", team.Slug, ErrForbidden)
	}
	role, err := s.store.GetRole(ctx, *member.RoleID)
	if err != nil {
		return err
	}
	if !role.IsAdmin {
		return fmt.Errorf("role %s is not an admin role: %w", role.Slug, ErrForbidden)
	}
	return nil
}

func (s *Service) record(ctx context.Context, event *audit.Event) {
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", string(event.EventType)).
			Warn("failed to write activity log")
	}
}
