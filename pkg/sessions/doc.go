// Package sessions implements the first-party login surface: direct
// email and password login, session refresh from the refresh cookie
// and logout. Third-party applications never hit these endpoints; they
// go through the OAuth authorization code flow instead.
package sessions
