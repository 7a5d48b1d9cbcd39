// Package middleware provides the HTTP middleware chain: bearer token
// authentication, scope and system owner gates, and rate limiting in
// both single-instance and Redis-backed distributed form.
//
// # Middleware Ordering
//
// The authenticator must run before any gate that reads the request
// context. A scope or owner gate placed outside the authenticator sees
// an empty context and denies everything.
//
// REQUIRED ORDERING (outer to inner):
//  1. Authenticator.Required or Authenticator.Optional
//  2. RequireScope / RequireSystemOwner / RequireTeamPermission
//
// The authenticator validates the signed access token, loads the user
// and places both user and granted scopes on the request context via
// contextkeys. Handlers downstream never touch the raw token.
package middleware
