package bff

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-bff/provider"
	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
	"github.com/giantswarm/oidc-bff/token"
)

// checkSessionResponse is the body of GET /auth/checksession.
type checkSessionResponse struct {
	LoggedIn bool              `json:"loggedIn"`
	User     *provider.Profile `json:"user,omitempty"`
}

// RegisterRoutes mounts the auth endpoints on the given mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/auth/checksession", s.withHTTPMetrics("/auth/checksession", http.HandlerFunc(s.ServeCheckSession)))
	mux.Handle("/auth/login", s.withHTTPMetrics("/auth/login", http.HandlerFunc(s.ServeLogin)))
	mux.Handle("/auth/callback", s.withHTTPMetrics("/auth/callback", http.HandlerFunc(s.ServeCallback)))
	mux.Handle("/auth/logout", s.withHTTPMetrics("/auth/logout", http.HandlerFunc(s.ServeLogout)))
	mux.Handle("/auth/logout/callback", s.withHTTPMetrics("/auth/logout/callback", http.HandlerFunc(s.ServeLogoutCallback)))
	mux.Handle("/auth/userinfo", s.withHTTPMetrics("/auth/userinfo", s.Secure(http.HandlerFunc(s.serveUserInfo))))
}

// withHTTPMetrics wraps a route with request count and latency recording.
func (s *Service) withHTTPMetrics(endpoint string, next http.Handler) http.Handler {
	if s.inst == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, sw.status,
			float64(time.Since(start).Milliseconds()))
	})
}

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ServeCheckSession reports whether the browser has a live session. It is a
// pure read except for re-arming the proactive refresh timer: a browser tab
// coming back from sleep gets its timer back without a full request cycle.
func (s *Service) ServeCheckSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)
	if s.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ctx := r.Context()

	sessionID := s.cookies.session(r)
	if sessionID == "" {
		writeJSON(w, http.StatusOK, checkSessionResponse{LoggedIn: false})
		return
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, checkSessionResponse{LoggedIn: false})
		return
	}

	result := s.verifier.Verify(ctx, session.AccessToken)
	switch {
	case result.Valid():
		s.coordinator.Schedule(sessionID, session.AccessTokenExpiresAt)
	case result.Status == token.StatusExpired && session.RefreshToken != "":
		// Stale but refreshable: an immediate timer brings it current
		// without making this read pay the refresh latency.
		s.coordinator.Schedule(sessionID, session.AccessTokenExpiresAt)
	default:
		writeJSON(w, http.StatusOK, checkSessionResponse{LoggedIn: false})
		return
	}

	writeJSON(w, http.StatusOK, checkSessionResponse{LoggedIn: true, User: session.User})
}

// ServeLogin begins a login: one PKCE attempt per click, parked server-side
// under the transport token the browser carries in the attempt cookie, then
// a redirect into the authorization server.
func (s *Service) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)
	if s.checkIPRateLimit(w, r, clientIP) {
		return
	}

	attempt, err := s.attempts.Begin(r.Context())
	if err != nil {
		s.logger.Error("Failed to begin login attempt", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.cookies.setAttempt(w, attempt.TransportToken, int(s.config.Session.AttemptTTL.Seconds()))
	http.Redirect(w, r, s.provider.AuthorizationURL(attempt.State, attempt.CodeChallenge), http.StatusFound)
}

// ServeCallback completes a login. Every failure path lands the browser back
// on the frontend without a session and without detail; the real reason goes
// to logs and audit only.
func (s *Service) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)
	if s.checkIPRateLimit(w, r, clientIP) {
		return
	}

	ctx := r.Context()
	s.cookies.clearAttempt(w)

	code := r.URL.Query().Get("code")
	returnedState := r.URL.Query().Get("state")
	transportToken := s.cookies.attempt(r)

	if code == "" || returnedState == "" || transportToken == "" {
		s.failLogin(w, r, clientIP, "callback missing code, state, or attempt cookie")
		return
	}

	attempt, err := s.attempts.Consume(ctx, transportToken, returnedState)
	if err != nil {
		if errors.Is(err, storage.ErrStateMismatch) {
			// CSRF signal: someone returned a state this attempt never
			// issued. The attempt is already burned.
			if s.auditor != nil {
				s.auditor.LogStateMismatch(clientIP)
			}
			if s.inst != nil {
				s.inst.Metrics().RecordStateMismatch(ctx)
			}
		}
		s.failLogin(w, r, clientIP, "attempt consume failed")
		return
	}

	tok, err := s.provider.Exchange(ctx, code, attempt.CodeVerifier)
	if err != nil {
		s.failLogin(w, r, clientIP, "code exchange failed")
		return
	}

	result := s.verifier.Verify(ctx, tok.AccessToken)
	if !result.Valid() {
		s.failLogin(w, r, clientIP, "access token "+result.Status.String())
		return
	}

	sessionID, err := storage.NewSessionID()
	if err != nil {
		s.failLogin(w, r, clientIP, "session ID generation failed")
		return
	}

	session := &storage.Session{
		ID:                   sessionID,
		AccessToken:          tok.AccessToken,
		RefreshToken:         tok.RefreshToken,
		AccessTokenExpiresAt: tok.Expiry,
		LastAccessedAt:       s.coordinator.now(),
	}

	// Display data only; the session is fine without it.
	if profile, err := s.provider.UserInfo(ctx, tok.AccessToken); err == nil {
		session.User = profile
	} else {
		s.logger.Debug("Userinfo fetch after login failed", "error", err)
	}

	if err := s.sessions.Put(ctx, sessionID, session); err != nil {
		s.failLogin(w, r, clientIP, "session store failed")
		return
	}
	s.coordinator.Schedule(sessionID, session.AccessTokenExpiresAt)

	s.cookies.setSession(w, sessionID, int(s.config.Session.TTL.Seconds()))
	if session.User != nil {
		s.cookies.setUserInfo(w, session.User, int(s.config.Session.TTL.Seconds()))
	}

	if s.auditor != nil {
		s.auditor.LogSessionCreated(sessionID, result.Claims.Subject, clientIP)
	}
	if s.inst != nil {
		s.inst.Metrics().RecordSessionCreated(ctx)
	}
	s.logger.Info("Session created")

	http.Redirect(w, r, s.config.FrontendURL, http.StatusFound)
}

// ServeLogout sends the browser to the authorization server's logout
// endpoint; the local session dies when the server redirects back to the
// logout callback.
func (s *Service) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)
	if s.checkIPRateLimit(w, r, clientIP) {
		return
	}

	http.Redirect(w, r, s.provider.LogoutURL(), http.StatusFound)
}

// ServeLogoutCallback tears down the local session after the authorization
// server finished its own logout: delete the session, cancel its timer
// synchronously, clear every cookie.
func (s *Service) ServeLogoutCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)
	if s.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if sessionID := s.cookies.session(r); sessionID != "" {
		s.coordinator.Cancel(sessionID)
		if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
			s.logger.Warn("Failed to delete session on logout", "error", err)
		}
		if s.auditor != nil {
			s.auditor.LogSessionRevoked(sessionID, clientIP, "logout")
		}
		if s.inst != nil {
			s.inst.Metrics().RecordSessionRevoked(r.Context(), "logout")
		}
		s.logger.Info("Session ended by logout")
	}

	s.cookies.clearSession(w)
	s.cookies.clearAttempt(w)
	s.cookies.clearUserInfo(w)
	http.Redirect(w, r, s.config.FrontendURL, http.StatusFound)
}

// serveUserInfo fetches a fresh profile from the authorization server for
// the authenticated session and updates the cached snapshot plus the public
// display cookie. Runs behind Secure.
func (s *Service) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	principal, err := RequirePrincipal(ctx)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if principal.SessionID == "" {
		// Bearer caller with no server-held session: nothing cached to
		// refresh, answer from the verified claims.
		writeJSON(w, http.StatusOK, map[string]any{
			"sub":   principal.Subject,
			"email": principal.Email,
			"name":  principal.Name,
		})
		return
	}

	session, err := s.sessions.Get(ctx, principal.SessionID)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := s.provider.UserInfo(ctx, session.AccessToken)
	if err != nil {
		s.logger.Warn("Userinfo fetch failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "Failed to fetch user info")
		return
	}

	session.User = profile
	// Conditional so a logout racing this request is not undone.
	if err := s.sessions.Replace(ctx, principal.SessionID, session); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		s.logger.Warn("Failed to store updated profile", "error", err)
	}
	s.cookies.setUserInfo(w, profile, int(s.config.Session.TTL.Seconds()))

	writeJSON(w, http.StatusOK, profile)
}

// failLogin answers a failed callback: no session, generic redirect to the
// frontend, reason logged server-side only.
func (s *Service) failLogin(w http.ResponseWriter, r *http.Request, clientIP, reason string) {
	s.logger.Warn("Login failed", "reason", reason)
	if s.auditor != nil {
		s.auditor.LogAuthFailure(clientIP, reason)
	}
	http.Redirect(w, r, s.config.FrontendURL, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
