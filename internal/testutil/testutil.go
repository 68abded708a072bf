// Package testutil provides testing utilities and helpers for the oidc-bff
// library.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-bff/provider"
	"github.com/giantswarm/oidc-bff/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestToken creates a test OAuth2 token
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestProfile creates a test user profile
func GenerateTestProfile() *provider.Profile {
	return &provider.Profile{
		Sub:           "test-user-123",
		Email:         "test@example.com",
		EmailVerified: true,
		Name:          "Test User",
		GivenName:     "Test",
		FamilyName:    "User",
		Picture:       "https://example.com/photo.jpg",
		Locale:        "en",
	}
}

// GenerateTestSession creates a test session with fresh tokens
func GenerateTestSession() *storage.Session {
	id, err := storage.NewSessionID()
	if err != nil {
		panic(fmt.Sprintf("failed to generate session ID: %v", err))
	}
	return &storage.Session{
		ID:                   id,
		AccessToken:          GenerateRandomString(32),
		RefreshToken:         GenerateRandomString(32),
		User:                 GenerateTestProfile(),
		AccessTokenExpiresAt: time.Now().Add(1 * time.Hour),
		LastAccessedAt:       time.Now(),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// SigningKey is an RSA key pair for signing test tokens, with the key ID
// under which a JWKS server publishes it.
type SigningKey struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// NewSigningKey generates a fresh RSA signing key for tests
func NewSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return &SigningKey{
		KeyID: GenerateRandomString(8),
		Key:   key,
	}
}

// TokenSpec describes a test token to sign. Zero-value fields get sensible
// defaults via SignToken.
type TokenSpec struct {
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeyID     string // overrides the signing key's ID when set
	Scope     string
	Email     string
	Name      string
}

// SignToken signs a test JWT with the given key and claims
func (k *SigningKey) SignToken(t *testing.T, spec TokenSpec) string {
	t.Helper()

	if spec.Subject == "" {
		spec.Subject = "test-user-123"
	}
	if spec.IssuedAt.IsZero() {
		spec.IssuedAt = time.Now()
	}
	if spec.ExpiresAt.IsZero() {
		spec.ExpiresAt = spec.IssuedAt.Add(1 * time.Hour)
	}
	kid := spec.KeyID
	if kid == "" {
		kid = k.KeyID
	}

	claims := jwt.MapClaims{
		"sub": spec.Subject,
		"iat": spec.IssuedAt.Unix(),
		"exp": spec.ExpiresAt.Unix(),
	}
	if spec.Issuer != "" {
		claims["iss"] = spec.Issuer
	}
	if len(spec.Audience) > 0 {
		claims["aud"] = spec.Audience
	}
	if spec.Scope != "" {
		claims["scope"] = spec.Scope
	}
	if spec.Email != "" {
		claims["email"] = spec.Email
	}
	if spec.Name != "" {
		claims["name"] = spec.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(k.Key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// JWKSServer is a test server publishing a JSON Web Key Set. It counts
// requests so tests can assert fetch behavior.
type JWKSServer struct {
	*httptest.Server
	hits atomic.Int64

	mu   sync.Mutex
	keys []*SigningKey
}

// NewJWKSServer starts a test JWKS server publishing the given keys'
// public halves. The server is closed via t.Cleanup.
func NewJWKSServer(t *testing.T, keys ...*SigningKey) *JWKSServer {
	t.Helper()

	s := &JWKSServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)

		s.mu.Lock()
		set := jose.JSONWebKeySet{}
		for _, k := range s.keys {
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       &k.Key.PublicKey,
				KeyID:     k.KeyID,
				Algorithm: "RS256",
				Use:       "sig",
			})
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(set); err != nil {
			t.Errorf("failed to encode JWKS: %v", err)
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// Hits returns the number of JWKS fetches served
func (s *JWKSServer) Hits() int64 {
	return s.hits.Load()
}

// SetKeys replaces the published key set, simulating key rotation
func (s *JWKSServer) SetKeys(keys ...*SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want
func AssertNotEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, want different value", got)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertNotNil fails the test if v is nil
func AssertNotNil(t *testing.T, v interface{}) {
	t.Helper()
	if v == nil {
		t.Error("expected non-nil value but got nil")
	}
}
