// Package contextkeys holds the request-scoped values shared between
// middleware and handlers: the authenticated user, the granted scope
// and the request ID.
package contextkeys

import (
	"context"

	"github.com/telechubbiies/identity/pkg/directory"
)

type contextKey string

const (
	userKey      contextKey = "user"
	scopesKey    contextKey = "scopes"
	requestIDKey contextKey = "request_id"
)

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *directory.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *directory.User {
	if user, ok := ctx.Value(userKey).(*directory.User); ok {
		return user
	}
	return nil
}

// WithScopes attaches the granted scopes to the context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

// ScopesFromContext returns the granted scopes, or nil.
func ScopesFromContext(ctx context.Context) []string {
	if scopes, ok := ctx.Value(scopesKey).([]string); ok {
		return scopes
	}
	return nil
}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
