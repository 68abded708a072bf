package token

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-bff/internal/testutil"
)

const testIssuer = "https://auth.example.com"

// countingResolver records how often Resolve is called.
type countingResolver struct {
	calls int
	key   crypto.PublicKey
	err   error
}

func (c *countingResolver) Resolve(_ context.Context, _ string) (crypto.PublicKey, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.key, nil
}

func newTestVerifier(t *testing.T, resolver KeyResolver, audiences ...string) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{
		Resolver:  resolver,
		Issuer:    testIssuer,
		Audiences: audiences,
	})
	testutil.AssertNoError(t, err)
	return v
}

func newResolverForServer(t *testing.T, srv *testutil.JWKSServer) *JWKSResolver {
	t.Helper()
	r, err := NewJWKSResolver(ResolverConfig{JWKSURL: srv.URL})
	testutil.AssertNoError(t, err)
	return r
}

func TestVerifyValidToken(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	raw := key.SignToken(t, testutil.TokenSpec{
		Issuer: testIssuer,
		Email:  "test@example.com",
		Scope:  "openid profile",
	})

	result := v.Verify(context.Background(), raw)
	if !result.Valid() {
		t.Fatalf("status = %v, err = %v, want valid", result.Status, result.Err)
	}
	testutil.AssertEqual(t, result.Claims.Subject, "test-user-123")
	testutil.AssertEqual(t, result.Claims.Email, "test@example.com")
	testutil.AssertEqual(t, result.Claims.Scope, "openid profile")
}

func TestVerifyMalformedInputSkipsResolver(t *testing.T) {
	resolver := &countingResolver{err: ErrKeyNotFound}
	v := newTestVerifier(t, resolver)

	inputs := []string{
		"",
		"not-a-token",
		"only.two",
		"a.b.c.d",
		"   ",
	}
	for _, raw := range inputs {
		result := v.Verify(context.Background(), raw)
		testutil.AssertEqual(t, result.Status, StatusMalformed)
	}

	// Structural rejection must never cost a key resolution.
	testutil.AssertEqual(t, resolver.calls, 0)
}

func TestVerifyExpiredToken(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	raw := key.SignToken(t, testutil.TokenSpec{
		Issuer:    testIssuer,
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-1 * time.Hour),
	})

	result := v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusExpired)

	// Claims survive so the caller can see what expired.
	if result.Claims == nil {
		t.Fatal("expired result should carry claims")
	}
	testutil.AssertEqual(t, result.Claims.Subject, "test-user-123")
}

func TestVerifyExpiredForeignTokenIsRejected(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	// Expired AND from the wrong issuer: must not be classified as merely
	// expired, or callers would try to refresh a foreign session.
	raw := key.SignToken(t, testutil.TokenSpec{
		Issuer:    "https://other-issuer.example.com",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-1 * time.Hour),
	})

	result := v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusRejected)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	tests := []struct {
		name   string
		issuer string
	}{
		{"different issuer", "https://evil.example.com"},
		{"trailing slash", testIssuer + "/"},
		{"case variant", "https://AUTH.example.com"},
		{"missing issuer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := key.SignToken(t, testutil.TokenSpec{Issuer: tt.issuer})
			result := v.Verify(context.Background(), raw)
			testutil.AssertEqual(t, result.Status, StatusRejected)
		})
	}
}

func TestVerifyAudience(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv), "api://backend", "api://admin")

	// Intersection with any configured audience suffices.
	raw := key.SignToken(t, testutil.TokenSpec{
		Issuer:   testIssuer,
		Audience: []string{"api://other", "api://admin"},
	})
	result := v.Verify(context.Background(), raw)
	if !result.Valid() {
		t.Fatalf("status = %v, want valid", result.Status)
	}

	// No intersection is a rejection.
	raw = key.SignToken(t, testutil.TokenSpec{
		Issuer:   testIssuer,
		Audience: []string{"api://other"},
	})
	result = v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusRejected)

	// Missing aud with audiences configured is a rejection.
	raw = key.SignToken(t, testutil.TokenSpec{Issuer: testIssuer})
	result = v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusRejected)
}

func TestVerifyWrongKey(t *testing.T) {
	published := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, published)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	// Signed with a different key but claiming the published key's ID.
	rogue := testutil.NewSigningKey(t)
	raw := rogue.SignToken(t, testutil.TokenSpec{
		Issuer: testIssuer,
		KeyID:  published.KeyID,
	})

	result := v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusRejected)
}

func TestVerifySymmetricAlgorithmRejected(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	v := newTestVerifier(t, newResolverForServer(t, srv))

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer,
		"sub": "test-user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	hs.Header["kid"] = key.KeyID
	raw, err := hs.SignedString([]byte("shared-secret"))
	testutil.AssertNoError(t, err)

	result := v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusRejected)
}

func TestVerifyUnverifiableWhenJWKSUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	resolver, err := NewJWKSResolver(ResolverConfig{JWKSURL: srv.URL})
	testutil.AssertNoError(t, err)
	v := newTestVerifier(t, resolver)

	key := testutil.NewSigningKey(t)
	raw := key.SignToken(t, testutil.TokenSpec{Issuer: testIssuer})

	result := v.Verify(context.Background(), raw)
	testutil.AssertEqual(t, result.Status, StatusUnverifiable)
}

func TestResolveCachesKeys(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	r := newResolverForServer(t, srv)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(ctx, key.KeyID)
		testutil.AssertNoError(t, err)
	}

	// One fetch serves every subsequent hit.
	testutil.AssertEqual(t, srv.Hits(), int64(1))
}

func TestResolveUnknownKidRefetchesOnce(t *testing.T) {
	key := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, key)
	r := newResolverForServer(t, srv)
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	r.now = clock.Now

	_, err := r.Resolve(ctx, key.KeyID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, srv.Hits(), int64(1))

	// Unknown kid inside the refetch window fails closed without a fetch.
	_, err = r.Resolve(ctx, "unknown-kid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
	testutil.AssertEqual(t, srv.Hits(), int64(1))

	// Past the window the miss forces exactly one refetch, then fails
	// closed again.
	clock.Advance(defaultMinRefetchInterval + time.Second)
	_, err = r.Resolve(ctx, "unknown-kid")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
	testutil.AssertEqual(t, srv.Hits(), int64(2))
}

func TestResolvePicksUpRotatedKey(t *testing.T) {
	oldKey := testutil.NewSigningKey(t)
	srv := testutil.NewJWKSServer(t, oldKey)
	r := newResolverForServer(t, srv)
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	r.now = clock.Now

	_, err := r.Resolve(ctx, oldKey.KeyID)
	testutil.AssertNoError(t, err)

	// The server rotates its signing key.
	newKey := testutil.NewSigningKey(t)
	srv.SetKeys(oldKey, newKey)
	clock.Advance(defaultMinRefetchInterval + time.Second)

	_, err = r.Resolve(ctx, newKey.KeyID)
	testutil.AssertNoError(t, err)
}
