package bff

import "errors"

var (
	// ErrUnauthenticated is returned when a request carries no usable
	// session or bearer credential. Clients see a generic 401; the specific
	// cause goes to logs only.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRefreshRejected is returned when the authorization server
	// definitively rejected the refresh grant. The session is already
	// revoked when callers see this error.
	ErrRefreshRejected = errors.New("refresh grant rejected")

	// ErrSessionRevoked is returned when a refresh produced tokens that
	// failed verification, forcing the session to be revoked.
	ErrSessionRevoked = errors.New("session revoked")
)
