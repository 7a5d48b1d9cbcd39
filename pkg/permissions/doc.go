// Package permissions computes effective access rights from the
// entity graph. Resolution is a pure read: a member's role grants its
// attached permissions, filtered by visibility. Global permissions are
// visible everywhere; team-scoped permissions only to the owning team
// or to teams holding an explicit grant. The team tree never implies
// inheritance on its own.
//
// Results are recomputed on demand for every request and token
// issuance, so role and permission edits take effect immediately
// instead of living on in stale session state.
package permissions
