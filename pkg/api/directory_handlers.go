package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/telechubbiies/identity/pkg/contextkeys"
	"github.com/telechubbiies/identity/pkg/directory"
	"github.com/telechubbiies/identity/pkg/httputil"
	"github.com/telechubbiies/identity/pkg/permissions"
)

// DirectoryHandler exposes the entity graph over HTTP. Authorization
// decisions live in the directory service; the handler only translates
// between HTTP and service calls.
type DirectoryHandler struct {
	service  *directory.Service
	resolver *permissions.Resolver
	log      *logrus.Logger
}

// NewDirectoryHandler creates the management API handler.
func NewDirectoryHandler(service *directory.Service, resolver *permissions.Resolver, log *logrus.Logger) *DirectoryHandler {
	if log == nil {
		log = logrus.New()
	}
	return &DirectoryHandler{service: service, resolver: resolver, log: log}
}

// RegisterRoutes wires the management API under /api/v1. Everything
// except invitation acceptance requires a bearer token.
func (h *DirectoryHandler) RegisterRoutes(router *mux.Router, requireBearer func(http.Handler) http.Handler) {
	// Invitation acceptance is how invited users get their first
	// credentials, so it cannot sit behind auth.
	router.HandleFunc("/api/v1/invitations/accept", h.AcceptInvitation).Methods(http.MethodPost)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(requireBearer)

	api.HandleFunc("/teams", h.CreateTeam).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}", h.GetTeam).Methods(http.MethodGet)
	api.HandleFunc("/teams/{team_id}", h.DeleteTeam).Methods(http.MethodDelete)
	api.HandleFunc("/teams/{team_id}/reparent", h.ReparentTeam).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}/subteams", h.ListSubTeams).Methods(http.MethodGet)

	api.HandleFunc("/teams/{team_id}/roles", h.CreateRole).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}/roles", h.ListTeamRoles).Methods(http.MethodGet)
	api.HandleFunc("/teams/{team_id}/roles/reorder", h.ReorderRoles).Methods(http.MethodPost)
	api.HandleFunc("/roles/{role_id}/priority", h.SetRolePriority).Methods(http.MethodPut)
	api.HandleFunc("/roles/{role_id}", h.DeleteRole).Methods(http.MethodDelete)

	api.HandleFunc("/permissions", h.CreatePermission).Methods(http.MethodPost)
	api.HandleFunc("/roles/{role_id}/permissions/{permission_id}", h.AttachPermission).Methods(http.MethodPost)
	api.HandleFunc("/roles/{role_id}/permissions/{permission_id}", h.DetachPermission).Methods(http.MethodDelete)
	api.HandleFunc("/teams/{team_id}/permissions/{permission_id}", h.GrantPermissionToTeam).Methods(http.MethodPost)

	api.HandleFunc("/teams/{team_id}/members", h.AddMember).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}/members", h.ListMembers).Methods(http.MethodGet)
	api.HandleFunc("/teams/{team_id}/members/{user_id}", h.RemoveMember).Methods(http.MethodDelete)
	api.HandleFunc("/teams/{team_id}/members/{user_id}/role", h.SetMemberRole).Methods(http.MethodPut)
	api.HandleFunc("/teams/{team_id}/members/{user_id}/permissions", h.ResolveMemberPermissions).Methods(http.MethodGet)

	api.HandleFunc("/workspaces", h.CreateWorkspace).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}/workspaces/{workspace_id}", h.GrantWorkspaceToTeam).Methods(http.MethodPost)
	api.HandleFunc("/teams/{team_id}/workspaces/{workspace_id}/users/{user_id}", h.GrantWorkspaceToUser).Methods(http.MethodPost)

	api.HandleFunc("/invitations", h.InviteUser).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{invitation_id}", h.CancelInvitation).Methods(http.MethodDelete)
}

type createTeamRequest struct {
	Name         string     `json:"name"`
	Slug         string     `json:"slug"`
	Description  string     `json:"description"`
	ParentTeamID *uuid.UUID `json:"parent_team_id"`
}

// CreateTeam handles POST /api/v1/teams.
func (h *DirectoryHandler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createTeamRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.Slug == "" {
		req.Slug = directory.Slugify(req.Name)
	}

	team, err := h.service.CreateTeam(r.Context(), actor, req.Name, req.Slug, req.Description, req.ParentTeamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, team)
}

// GetTeam handles GET /api/v1/teams/{team_id}.
func (h *DirectoryHandler) GetTeam(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	team, err := h.service.Store().GetTeam(r.Context(), teamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, team)
}

// ListSubTeams handles GET /api/v1/teams/{team_id}/subteams.
func (h *DirectoryHandler) ListSubTeams(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	teams, err := h.service.Store().ListSubTeams(r.Context(), teamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"teams": teams})
}

type reparentTeamRequest struct {
	NewParentID *uuid.UUID `json:"new_parent_id"`
}

// ReparentTeam handles POST /api/v1/teams/{team_id}/reparent. A null
// new_parent_id promotes the team to a root.
func (h *DirectoryHandler) ReparentTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	var req reparentTeamRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.service.ReparentTeam(r.Context(), actor, teamID, req.NewParentID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DeleteTeam handles DELETE /api/v1/teams/{team_id}.
func (h *DirectoryHandler) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	if err := h.service.DeleteTeam(r.Context(), actor, teamID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type createRoleRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// CreateRole handles POST /api/v1/teams/{team_id}/roles.
func (h *DirectoryHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.Slug == "" {
		req.Slug = directory.Slugify(req.Name)
	}

	role, err := h.service.CreateRole(r.Context(), actor, teamID, req.Name, req.Slug)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListTeamRoles handles GET /api/v1/teams/{team_id}/roles.
func (h *DirectoryHandler) ListTeamRoles(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	roles, err := h.service.Store().ListTeamRoles(r.Context(), teamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

type reorderRolesRequest struct {
	RoleIDs []uuid.UUID `json:"role_ids"`
}

// ReorderRoles handles POST /api/v1/teams/{team_id}/roles/reorder.
// role_ids lists the team's non-admin roles from most to least senior.
func (h *DirectoryHandler) ReorderRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	var req reorderRolesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.RoleIDs) == 0 {
		httputil.WriteBadRequest(w, "role_ids is required")
		return
	}

	if err := h.service.ReorderRoles(r.Context(), actor, teamID, req.RoleIDs); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type setRolePriorityRequest struct {
	Priority int `json:"priority"`
}

// SetRolePriority handles PUT /api/v1/roles/{role_id}/priority.
func (h *DirectoryHandler) SetRolePriority(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := h.pathUUID(w, r, "role_id")
	if !ok {
		return
	}

	var req setRolePriorityRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.service.SetRolePriority(r.Context(), actor, roleID, req.Priority); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DeleteRole handles DELETE /api/v1/roles/{role_id}.
func (h *DirectoryHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := h.pathUUID(w, r, "role_id")
	if !ok {
		return
	}

	if err := h.service.DeleteRole(r.Context(), actor, roleID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type createPermissionRequest struct {
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description string     `json:"description"`
	TeamID      *uuid.UUID `json:"team_id"`
}

// CreatePermission handles POST /api/v1/permissions. A null team_id
// creates a global permission, which only system owners may do.
func (h *DirectoryHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.Slug == "" {
		req.Slug = directory.Slugify(req.Name)
	}

	perm, err := h.service.CreatePermission(r.Context(), actor, req.Name, req.Slug, req.Description, req.TeamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// AttachPermission handles POST /api/v1/roles/{role_id}/permissions/{permission_id}.
func (h *DirectoryHandler) AttachPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := h.pathUUID(w, r, "role_id")
	if !ok {
		return
	}
	permissionID, ok := h.pathUUID(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.service.AttachPermissionToRole(r.Context(), actor, roleID, permissionID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DetachPermission handles DELETE /api/v1/roles/{role_id}/permissions/{permission_id}.
func (h *DirectoryHandler) DetachPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := h.pathUUID(w, r, "role_id")
	if !ok {
		return
	}
	permissionID, ok := h.pathUUID(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.service.DetachPermissionFromRole(r.Context(), actor, roleID, permissionID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GrantPermissionToTeam handles POST /api/v1/teams/{team_id}/permissions/{permission_id}.
func (h *DirectoryHandler) GrantPermissionToTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	permissionID, ok := h.pathUUID(w, r, "permission_id")
	if !ok {
		return
	}

	if err := h.service.GrantPermissionToTeam(r.Context(), actor, teamID, permissionID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type addMemberRequest struct {
	UserID uuid.UUID  `json:"user_id"`
	RoleID *uuid.UUID `json:"role_id"`
}

// AddMember handles POST /api/v1/teams/{team_id}/members.
func (h *DirectoryHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	var req addMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}

	member, err := h.service.AddMember(r.Context(), actor, teamID, req.UserID, req.RoleID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, member)
}

// ListMembers handles GET /api/v1/teams/{team_id}/members.
func (h *DirectoryHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}

	members, err := h.service.Store().ListTeamMembers(r.Context(), teamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// RemoveMember handles DELETE /api/v1/teams/{team_id}/members/{user_id}.
func (h *DirectoryHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.service.RemoveMember(r.Context(), actor, teamID, userID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type setMemberRoleRequest struct {
	RoleID *uuid.UUID `json:"role_id"`
}

// SetMemberRole handles PUT /api/v1/teams/{team_id}/members/{user_id}/role.
// A null role_id clears the member's role.
func (h *DirectoryHandler) SetMemberRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	var req setMemberRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.service.SetMemberRole(r.Context(), actor, teamID, userID, req.RoleID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ResolveMemberPermissions handles
// GET /api/v1/teams/{team_id}/members/{user_id}/permissions.
func (h *DirectoryHandler) ResolveMemberPermissions(w http.ResponseWriter, r *http.Request) {
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	slugs, err := h.resolver.ResolveTeamPermissions(r.Context(), userID, teamID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": slugs})
}

type createWorkspaceRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

// CreateWorkspace handles POST /api/v1/workspaces.
func (h *DirectoryHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createWorkspaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.Slug == "" {
		req.Slug = directory.Slugify(req.Name)
	}

	ws, err := h.service.CreateWorkspace(r.Context(), actor, req.Name, req.Slug, req.Description)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, ws)
}

// GrantWorkspaceToTeam handles POST /api/v1/teams/{team_id}/workspaces/{workspace_id}.
func (h *DirectoryHandler) GrantWorkspaceToTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	workspaceID, ok := h.pathUUID(w, r, "workspace_id")
	if !ok {
		return
	}

	if err := h.service.GrantWorkspaceToTeam(r.Context(), actor, teamID, workspaceID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GrantWorkspaceToUser handles
// POST /api/v1/teams/{team_id}/workspaces/{workspace_id}/users/{user_id}.
func (h *DirectoryHandler) GrantWorkspaceToUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	teamID, ok := h.pathUUID(w, r, "team_id")
	if !ok {
		return
	}
	workspaceID, ok := h.pathUUID(w, r, "workspace_id")
	if !ok {
		return
	}
	userID, ok := h.pathUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := h.service.GrantWorkspaceToUser(r.Context(), actor, userID, teamID, workspaceID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type inviteUserRequest struct {
	Email  string                   `json:"email"`
	Type   directory.InvitationType `json:"type"`
	TeamID *uuid.UUID               `json:"team_id"`
	RoleID *uuid.UUID               `json:"role_id"`
}

type inviteUserResponse struct {
	Invitation *directory.Invitation `json:"invitation"`
	// Token travels in this response only; the store keeps a hash.
	Token string `json:"token"`
}

// InviteUser handles POST /api/v1/invitations.
func (h *DirectoryHandler) InviteUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req inviteUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	inv, token, err := h.service.InviteUser(r.Context(), actor, req.Email, req.Type, req.TeamID, req.RoleID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, inviteUserResponse{Invitation: inv, Token: token})
}

type acceptInvitationRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// AcceptInvitation handles POST /api/v1/invitations/accept.
func (h *DirectoryHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	user, err := h.service.AcceptInvitation(r.Context(), req.Token, req.Name, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// CancelInvitation handles DELETE /api/v1/invitations/{invitation_id}.
func (h *DirectoryHandler) CancelInvitation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	invitationID, ok := h.pathUUID(w, r, "invitation_id")
	if !ok {
		return
	}

	if err := h.service.CancelInvitation(r.Context(), actor, invitationID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *DirectoryHandler) actor(w http.ResponseWriter, r *http.Request) (*directory.User, bool) {
	user := contextkeys.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	return user, true
}

func (h *DirectoryHandler) pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	raw, ok := mux.Vars(r)[key]
	if !ok || raw == "" {
		httputil.WriteBadRequest(w, key+" is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.WriteBadRequest(w, key+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DirectoryHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, directory.ErrConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, directory.ErrForbidden):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, directory.ErrInvalid):
		httputil.WriteBadRequest(w, err.Error())
	default:
		h.log.WithError(err).Error("directory request failed")
		httputil.WriteInternalError(w, err)
	}
}
