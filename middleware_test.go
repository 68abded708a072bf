package bff

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/oidc-bff/internal/testutil"
)

// protectedProbe records the principal the Secure middleware attached.
type protectedProbe struct {
	principal *Principal
	called    bool
}

func (p *protectedProbe) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.called = true
		p.principal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func sessionRequest(svc *Service, sessionID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	r.AddCookie(&http.Cookie{Name: svc.cookies.sessionName, Value: sessionID})
	return r
}

func assertUniform401(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)

	var body map[string]any
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	testutil.AssertEqual(t, body["message"], "Unauthorized")
}

func TestSecureValidSession(t *testing.T) {
	f := newFakeIDP(t)
	svc, store := newTestService(t, f, nil)
	sessionID, _ := seedSession(t, f, store, time.Hour)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))

	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertTrue(t, probe.called, "inner handler should run")
	testutil.AssertNotNil(t, probe.principal)
	testutil.AssertEqual(t, probe.principal.Subject, testSubject)
	testutil.AssertEqual(t, probe.principal.Email, testEmail)
	testutil.AssertEqual(t, probe.principal.SessionID, sessionID)

	// A still-valid token never triggers a refresh, no matter how many
	// requests pass through.
	rec = httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertEqual(t, f.refreshCount(), 0)
}

func TestSecureTouchBumpsRecency(t *testing.T) {
	f := newFakeIDP(t)
	svc, store := newTestService(t, f, nil)
	sessionID, seeded := seedSession(t, f, store, time.Hour)

	before := seeded.LastAccessedAt
	time.Sleep(10 * time.Millisecond)

	probe := &protectedProbe{}
	svc.Secure(probe.handler()).ServeHTTP(httptest.NewRecorder(), sessionRequest(svc, sessionID))

	stored, err := store.Get(t.Context(), sessionID)
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, stored.LastAccessedAt.After(before), "LastAccessedAt should advance")
}

func TestSecureExpiredSessionRefreshesInline(t *testing.T) {
	f := newFakeIDP(t)
	svc, store := newTestService(t, f, nil)
	sessionID, seeded := seedSession(t, f, store, -10*time.Minute)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))

	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertEqual(t, probe.principal.Subject, testSubject)
	testutil.AssertEqual(t, f.refreshCount(), 1)

	stored, err := store.Get(t.Context(), sessionID)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, stored.AccessToken, seeded.AccessToken)
}

func TestSecureExpiredSessionRefreshRejected(t *testing.T) {
	f := newFakeIDP(t)
	f.rejectRefresh = true
	svc, store := newTestService(t, f, nil)
	sessionID, _ := seedSession(t, f, store, -10*time.Minute)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))

	testutil.AssertFalse(t, probe.called, "inner handler must not run")
	assertUniform401(t, rec)

	// A second request with the same cookie finds no session at all.
	rec = httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))
	assertUniform401(t, rec)
}

func TestSecureUnknownSession(t *testing.T) {
	f := newFakeIDP(t)
	svc, _ := newTestService(t, f, nil)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, "no-such-session"))

	testutil.AssertFalse(t, probe.called, "inner handler must not run")
	assertUniform401(t, rec)
}

func TestSecureNoCredentials(t *testing.T) {
	f := newFakeIDP(t)
	svc, _ := newTestService(t, f, nil)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/resource", nil))

	testutil.AssertFalse(t, probe.called, "inner handler must not run")
	assertUniform401(t, rec)
}

func TestSecureBearerToken(t *testing.T) {
	f := newFakeIDP(t)
	svc, _ := newTestService(t, f, nil)

	raw := f.key.SignToken(t, testutil.TokenSpec{
		Issuer:    f.issuer(),
		Subject:   "api-caller",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	probe := &protectedProbe{}
	r := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, r)

	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertEqual(t, probe.principal.Subject, "api-caller")
	testutil.AssertEqual(t, probe.principal.SessionID, "")
}

func TestSecureBearerTokenRejected(t *testing.T) {
	f := newFakeIDP(t)
	svc, _ := newTestService(t, f, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"malformed scheme", "Token abc"},
		{"not a jwt", "Bearer not.a"},
		{"garbage", "Bearer garbage"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			probe := &protectedProbe{}
			r := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
			r.Header.Set("Authorization", tc.header)
			rec := httptest.NewRecorder()
			svc.Secure(probe.handler()).ServeHTTP(rec, r)

			testutil.AssertFalse(t, probe.called, "inner handler must not run")
			assertUniform401(t, rec)
		})
	}
}

func TestSecureRateLimit(t *testing.T) {
	f := newFakeIDP(t)
	svc, store := newTestService(t, f, func(cfg *Config) {
		cfg.RateLimit.Rate = 1
		cfg.RateLimit.Burst = 1
	})
	sessionID, _ := seedSession(t, f, store, time.Hour)

	probe := &protectedProbe{}
	rec := httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)

	rec = httptest.NewRecorder()
	svc.Secure(probe.handler()).ServeHTTP(rec, sessionRequest(svc, sessionID))
	testutil.AssertEqual(t, rec.Code, http.StatusTooManyRequests)
	testutil.AssertEqual(t, rec.Header().Get("Retry-After"), "60")
}

func TestRequirePrincipal(t *testing.T) {
	_, err := RequirePrincipal(t.Context())
	testutil.AssertError(t, err)

	want := &Principal{Subject: "someone"}
	got, err := RequirePrincipal(ContextWithPrincipal(t.Context(), want))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.Subject, "someone")
}
