package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of activity event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin        EventType = "auth.login"
	EventTypeAuthLoginFailed  EventType = "auth.login_failed"
	EventTypeAuthLogout       EventType = "auth.logout"
	EventTypeAuthTokenRefresh EventType = "auth.token_refresh"
	EventTypeAuthRefreshReuse EventType = "auth.refresh_reuse"

	// OAuth protocol events
	EventTypeOAuthCodeIssued   EventType = "oauth.code_issued"
	EventTypeOAuthCodeConsumed EventType = "oauth.code_consumed"
	EventTypeOAuthPKCEFailed   EventType = "oauth.pkce_failed"
	EventTypeOAuthTokenRevoked EventType = "oauth.token_revoked"

	// Client registry events
	EventTypeClientRegistered    EventType = "client.registered"
	EventTypeClientSecretRotated EventType = "client.secret_rotated"
	EventTypeClientDeactivated   EventType = "client.deactivated"

	// Entity graph events
	EventTypeTeamCreated       EventType = "team.created"
	EventTypeTeamReparented    EventType = "team.reparented"
	EventTypeTeamDeleted       EventType = "team.deleted"
	EventTypeRoleCreated       EventType = "role.created"
	EventTypeRoleReordered     EventType = "role.reordered"
	EventTypeRoleDeleted       EventType = "role.deleted"
	EventTypePermissionCreated EventType = "permission.created"
	EventTypePermissionGranted EventType = "permission.granted"
	EventTypePermissionRevoked EventType = "permission.revoked"
	EventTypeMemberAdded       EventType = "member.added"
	EventTypeMemberRemoved     EventType = "member.removed"
	EventTypeMemberRoleChanged EventType = "member.role_changed"
	EventTypeWorkspaceGranted  EventType = "workspace.granted"

	// Invitation events
	EventTypeInvitationCreated  EventType = "invitation.created"
	EventTypeInvitationAccepted EventType = "invitation.accepted"
	EventTypeInvitationRevoked  EventType = "invitation.revoked"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource an event touches
type ResourceType string

const (
	ResourceTypeUser       ResourceType = "user"
	ResourceTypeTeam       ResourceType = "team"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeWorkspace  ResourceType = "workspace"
	ResourceTypeClient     ResourceType = "client"
	ResourceTypeToken      ResourceType = "token"
	ResourceTypeInvitation ResourceType = "invitation"
)

// LoginMethod tags how a session was established.
const (
	LoginMethodDirect = "direct"
	LoginMethodOAuth  = "oauth"
)

// Event represents a single activity log entry. The log is
// append-only; events are never updated once written.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	ActorName string     `json:"actor_name,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for querying the activity log.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID    *uuid.UUID
	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}
