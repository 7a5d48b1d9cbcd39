// Package api assembles the HTTP surface: the management API for the
// entity graph plus the session and OAuth endpoints, wired onto a
// single router with auth and rate-limit middleware.
package api
