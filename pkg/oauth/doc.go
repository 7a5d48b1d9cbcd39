// Package oauth implements the OAuth2/OIDC provider core: the client
// registry, the authorization-code state machine with PKCE, and the
// token service issuing signed access tokens, rotating refresh tokens
// and OIDC ID tokens.
//
// Two operations carry exactly-once guarantees under concurrency.
// Consuming an authorization code and rotating a refresh token both
// run as conditional updates, so two racing requests presenting the
// same credential get exactly one success and one invalid_grant.
package oauth
