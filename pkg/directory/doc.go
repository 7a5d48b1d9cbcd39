// Package directory holds the entity graph of the identity service:
// users, teams, roles, permissions, workspaces, memberships and
// invitations, plus the join tables that tie them together.
//
// Teams form a forest. A team may point at a parent team, the chain is
// always finite and acyclic, and root teams can only be created by a
// system owner. Roles belong to exactly one team and carry an integer
// priority; the first role created for a team is the admin role with
// priority 100. Permissions are either global (no team) or scoped to
// the team that created them.
//
// The Service type enforces these invariants on every mutation. The
// Store type is the raw persistence layer underneath it.
package directory
