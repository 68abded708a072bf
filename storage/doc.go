// Package storage defines the persistence interfaces for the session
// mediator. Two stores with deliberately separate keys and lifetimes:
//
//   - SessionStore: long-lived (mirrors the refresh token TTL), keyed by the
//     opaque session ID carried in the session cookie.
//   - PKCEStateStore: short-lived, keyed by a transport token carried in its
//     own cookie, consumed exactly once at the authorization callback.
//
// Keeping the two stores distinct keeps the single-use consumption guarantee
// of PKCE attempts trivial to enforce and audit.
package storage
