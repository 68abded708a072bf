package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-bff/provider"
)

// Sentinel errors returned by store implementations. Callers treat a miss as
// "no session" / "no attempt"; neither is an infrastructure failure.
var (
	// ErrSessionNotFound indicates the session ID is unknown or past its TTL.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAttemptNotFound indicates the PKCE attempt is unknown, expired, or
	// already consumed.
	ErrAttemptNotFound = errors.New("authorization attempt not found")

	// ErrStateMismatch indicates the state returned by the authorization
	// server does not match the stored attempt. This is a CSRF signal; the
	// attempt is discarded and no session may be created from it.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// sessionIDBytes is the entropy of a session ID. The ID doubles as the cache
// key and is never derived from user input.
const sessionIDBytes = 32

const (
	// DefaultSessionTTL bounds a session's absolute lifetime, mirroring the
	// refresh token lifetime at the authorization server.
	DefaultSessionTTL = 12 * time.Hour

	// DefaultAttemptTTL bounds how long a login attempt may sit between the
	// redirect to the authorization server and the callback.
	DefaultAttemptTTL = 10 * time.Minute
)

// Session represents one authenticated browser session.
type Session struct {
	// ID is the opaque session identifier, also the cache key.
	ID string

	// AccessToken is the current bearer token. Empty only during the window
	// between session creation and the first completed refresh.
	AccessToken string

	// RefreshToken is the current refresh token. Empty for sessions issued
	// without offline access.
	RefreshToken string

	// User is a cached profile snapshot, lazily populated. Display fallback
	// only; authorization decisions always come from verified token claims.
	User *provider.Profile

	// AccessTokenExpiresAt mirrors the access token's exp claim. The refresh
	// coordinator schedules its proactive timer from this value.
	AccessTokenExpiresAt time.Time

	// LastAccessedAt is bumped on each successful middleware pass. It tracks
	// recency and never extends the hard TTL.
	LastAccessedAt time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// PKCEAttempt is one in-flight authorization-code-with-PKCE handshake. It is
// keyed by TransportToken, a short-lived value distinct from the session ID
// so possession of an attempt cookie can never be turned into a session.
type PKCEAttempt struct {
	// TransportToken is the opaque cookie value identifying this attempt.
	TransportToken string

	// State is the CSRF nonce sent to and returned by the authorization
	// server. Single use.
	State string

	// CodeVerifier is redeemed at the token exchange.
	CodeVerifier string

	// CodeChallenge is the S256 hash of the verifier, sent with the
	// authorization request.
	CodeChallenge string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Clone returns a copy so callers cannot mutate stored state.
func (a *PKCEAttempt) Clone() *PKCEAttempt {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// SessionStore maps opaque session IDs to Session records with a hard TTL.
// The TTL should mirror the authorization server's refresh token lifetime.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// Get returns the session for id, or ErrSessionNotFound. Reading never
	// extends the TTL; recency is bumped explicitly via Touch.
	Get(ctx context.Context, id string) (*Session, error)

	// Put writes the session and re-arms its hard TTL.
	Put(ctx context.Context, id string, session *Session) error

	// Replace atomically overwrites the session only if it still exists,
	// keeping its hard TTL, and returns ErrSessionNotFound otherwise. A
	// write that raced a Delete must never recreate the session.
	Replace(ctx context.Context, id string, session *Session) error

	// Touch bumps LastAccessedAt without extending the hard TTL.
	Touch(ctx context.Context, id string) error

	// Delete removes the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, id string) error
}

// PKCEStateStore parks per-attempt PKCE state during the redirect round trip
// to the authorization server. Attempts are strictly single use.
type PKCEStateStore interface {
	// Begin generates and stores a new attempt, returning it so the caller
	// can hand the transport token to the browser and embed state/challenge
	// in the authorization request.
	Begin(ctx context.Context) (*PKCEAttempt, error)

	// Consume atomically removes and returns the attempt for transportToken.
	// The entry is deleted whether or not returnedState matches, preventing
	// replay after a partial failure. Returns ErrAttemptNotFound for an
	// unknown or expired token and ErrStateMismatch when the state differs.
	Consume(ctx context.Context, transportToken, returnedState string) (*PKCEAttempt, error)
}

// NewSessionID generates a high-entropy opaque session identifier.
func NewSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewPKCEAttempt generates the state, verifier and S256 challenge for a new
// authorization attempt. Shared by store implementations so every backend
// produces attempts of the same cryptographic quality.
func NewPKCEAttempt(now time.Time, ttl time.Duration) *PKCEAttempt {
	verifier := oauth2.GenerateVerifier()
	return &PKCEAttempt{
		TransportToken: oauth2.GenerateVerifier(),
		State:          oauth2.GenerateVerifier(),
		CodeVerifier:   verifier,
		CodeChallenge:  oauth2.S256ChallengeFromVerifier(verifier),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}
