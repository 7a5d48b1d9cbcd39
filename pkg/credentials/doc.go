// Package credentials provides password hashing and opaque token
// generation for the identity service.
//
// Passwords are hashed with Argon2id and stored in the standard
// encoded form ($argon2id$v=19$m=...,t=...,p=...$salt$hash) so the
// parameters travel with the hash. Opaque tokens (authorization codes,
// refresh tokens, invitation tokens) are random URL-safe strings; only
// their SHA-256 hex digest is ever persisted.
package credentials
