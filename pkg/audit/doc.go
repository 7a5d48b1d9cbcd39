// Package audit provides the append-only activity log. Every
// security-relevant action in the identity service (logins, token
// grants, refresh reuse, entity mutations) is recorded here with actor,
// resource and structured metadata. Secrets and plaintext tokens never
// appear in events.
package audit
