package bff

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-bff/internal/testutil"
	"github.com/giantswarm/oidc-bff/provider"
	"github.com/giantswarm/oidc-bff/storage"
	"github.com/giantswarm/oidc-bff/storage/memory"
)

const (
	testSubject = "user-1"
	testEmail   = "user@example.com"
	testName    = "Test User"
)

// fakeIDP is an in-process authorization server: JWKS, token endpoint for
// code exchange and refresh grants, and userinfo. Fields under mu steer how
// the token endpoint behaves for the next request(s).
type fakeIDP struct {
	t   *testing.T
	srv *httptest.Server
	key *testutil.SigningKey

	mu sync.Mutex

	// accessTokenTTL is the lifetime of issued access tokens.
	accessTokenTTL time.Duration

	// rejectRefresh answers refresh grants with 400 invalid_grant.
	rejectRefresh bool

	// refreshFailures is how many refresh grants return 500 before the
	// endpoint recovers.
	refreshFailures int

	// refreshDelay stalls each refresh grant before answering.
	refreshDelay time.Duration

	// omitRotation leaves refresh_token out of refresh responses.
	omitRotation bool

	// tokenIssuer overrides the iss claim on issued tokens when set.
	tokenIssuer string

	tokenSeq         int
	exchangeHits     int
	refreshHits      int
	userinfoHits     int
	lastCodeVerifier string
}

func newFakeIDP(t *testing.T) *fakeIDP {
	f := &fakeIDP{
		t:              t,
		key:            testutil.NewSigningKey(t),
		accessTokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", f.serveJWKS)
	mux.HandleFunc("/oauth2/token", f.serveToken)
	mux.HandleFunc("/oauth2/userinfo", f.serveProfile)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIDP) issuer() string {
	return f.srv.URL
}

func (f *fakeIDP) serveJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &f.key.Key.PublicKey,
			KeyID:     f.key.KeyID,
			Use:       "sig",
			Algorithm: "RS256",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// issueAccessToken signs a fresh access token with the published key. Callers
// must hold f.mu.
func (f *fakeIDP) issueAccessToken() string {
	f.tokenSeq++
	iss := f.srv.URL
	if f.tokenIssuer != "" {
		iss = f.tokenIssuer
	}
	return f.key.SignToken(f.t, testutil.TokenSpec{
		Issuer:    iss,
		Subject:   testSubject,
		ExpiresAt: time.Now().Add(f.accessTokenTTL),
		Email:     testEmail,
		Name:      testName,
	})
}

func (f *fakeIDP) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		f.exchangeHits++
		f.lastCodeVerifier = r.Form.Get("code_verifier")
	case "refresh_token":
		f.refreshHits++
		if f.refreshDelay > 0 {
			f.mu.Unlock()
			time.Sleep(f.refreshDelay)
			f.mu.Lock()
		}
		if f.rejectRefresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "refresh token revoked",
			})
			return
		}
		if f.refreshFailures > 0 {
			f.refreshFailures--
			http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"access_token": f.issueAccessToken(),
		"token_type":   "Bearer",
		"expires_in":   int(f.accessTokenTTL.Seconds()),
	}
	if !f.omitRotation {
		resp["refresh_token"] = fmt.Sprintf("rt-rotated-%d", f.tokenSeq)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIDP) serveProfile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.userinfoHits++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(provider.Profile{
		Sub:   testSubject,
		Email: testEmail,
		Name:  testName,
	})
}

func (f *fakeIDP) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshHits
}

func (f *fakeIDP) exchangeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeHits
}

func (f *fakeIDP) lastVerifier() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCodeVerifier
}

// newTestService builds a Service against the fake authorization server on a
// caller-visible memory store.
func newTestService(t *testing.T, f *fakeIDP, mutate func(*Config)) (*Service, *memory.Store) {
	store := memory.NewWithTTLs(time.Hour, 10*time.Minute)
	t.Cleanup(store.Stop)

	cfg := Config{
		IssuerURL:    f.issuer(),
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://app.local/auth/callback",
		FrontendURL:  "http://app.local/",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewWithStores(cfg, store, store)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return svc, store
}

// seedSession stores a session holding an access token signed by the fake
// server, expiring at the given offset from now.
func seedSession(t *testing.T, f *fakeIDP, store *memory.Store, tokenTTL time.Duration) (string, *storage.Session) {
	sessionID, err := storage.NewSessionID()
	testutil.AssertNoError(t, err)

	expiresAt := time.Now().Add(tokenTTL)
	accessToken := f.key.SignToken(f.t, testutil.TokenSpec{
		Issuer:    f.issuer(),
		Subject:   testSubject,
		IssuedAt:  time.Now().Add(-time.Hour),
		ExpiresAt: expiresAt,
		Email:     testEmail,
		Name:      testName,
	})

	session := &storage.Session{
		ID:                   sessionID,
		AccessToken:          accessToken,
		RefreshToken:         "rt-seed",
		AccessTokenExpiresAt: expiresAt,
		LastAccessedAt:       time.Now(),
	}
	testutil.AssertNoError(t, store.Put(t.Context(), sessionID, session))
	return sessionID, session
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

// timerCount reports how many proactive refresh timers are armed.
func timerCount(c *RefreshCoordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
