package bff

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
	"github.com/giantswarm/oidc-bff/token"
)

// Principal is the authenticated identity attached to request contexts by
// the Secure middleware. It always derives from a freshly verified token;
// the cached profile snapshot is never an input to it.
type Principal struct {
	// Subject is the stable subject identifier from the verified token.
	Subject string

	Email string
	Name  string
	Scope string

	// SessionID is set for cookie-session requests and empty for
	// bearer-only callers.
	SessionID string

	// Claims are the full verified claims.
	Claims *token.Claims
}

type contextKey string

const principalContextKey contextKey = "bff.principal"

// ContextWithPrincipal returns a context carrying the principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the authenticated principal attached by the
// Secure middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// RequirePrincipal returns the principal or ErrUnauthenticated if the
// context never passed through Secure.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return p, nil
}

// Secure gates a handler behind authentication. A request authenticates with
// the session cookie or, failing that, a bearer token in the Authorization
// header. An expired session token with a refresh token present triggers a
// synchronous refresh: the request that discovers expiry pays the refresh
// latency once, the proactive timer makes this the exception.
//
// Every failure produces the same generic 401 so callers learn nothing about
// why authentication failed.
func (s *Service) Secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, s.config.RateLimit.TrustProxy, s.config.RateLimit.TrustedProxyCount)

		if s.checkIPRateLimit(w, r, clientIP) {
			return
		}

		if sessionID := s.cookies.session(r); sessionID != "" {
			principal, ok := s.authenticateSession(w, r, sessionID, clientIP)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
			return
		}

		principal, ok := s.authenticateBearer(w, r, clientIP)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// authenticateSession resolves the session cookie into a principal,
// refreshing the tokens if they are merely expired. Returns false after
// writing the 401.
func (s *Service) authenticateSession(w http.ResponseWriter, r *http.Request, sessionID, clientIP string) (*Principal, bool) {
	ctx := r.Context()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		s.rejectUnauthenticated(w, r, clientIP, "unknown session")
		return nil, false
	}

	result := s.verifier.Verify(ctx, session.AccessToken)

	if result.Status == token.StatusExpired && session.RefreshToken != "" {
		session, err = s.coordinator.Refresh(ctx, sessionID)
		if err != nil {
			s.rejectUnauthenticated(w, r, clientIP, "refresh failed")
			return nil, false
		}
		result = s.verifier.Verify(ctx, session.AccessToken)
	}

	if !result.Valid() {
		s.rejectUnauthenticated(w, r, clientIP, "token "+result.Status.String())
		return nil, false
	}

	// Recency bump is an explicit write, decoupled from the read. Losing it
	// is harmless, so the race with a concurrent revoke is not an error.
	if err := s.sessions.Touch(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		s.logger.Debug("Failed to touch session", "error", err)
	}

	return principalFromClaims(result.Claims, sessionID), true
}

// authenticateBearer verifies a raw bearer token for cookie-less API
// callers. No session and no refresh: the caller owns the token lifecycle.
func (s *Service) authenticateBearer(w http.ResponseWriter, r *http.Request, clientIP string) (*Principal, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.rejectUnauthenticated(w, r, clientIP, "no credentials")
		return nil, false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		s.rejectUnauthenticated(w, r, clientIP, "malformed authorization header")
		return nil, false
	}

	result := s.verifier.Verify(r.Context(), parts[1])
	if !result.Valid() {
		s.rejectUnauthenticated(w, r, clientIP, "token "+result.Status.String())
		return nil, false
	}

	return principalFromClaims(result.Claims, ""), true
}

func principalFromClaims(claims *token.Claims, sessionID string) *Principal {
	return &Principal{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Scope:     claims.Scope,
		SessionID: sessionID,
		Claims:    claims,
	}
}

// rejectUnauthenticated logs the real reason and answers with the uniform
// generic 401.
func (s *Service) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, clientIP, reason string) {
	s.logger.Info("Request rejected", "path", r.URL.Path, "reason", reason)
	if s.auditor != nil {
		s.auditor.LogAuthFailure(clientIP, reason)
	}
	writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
}

// checkIPRateLimit reports whether the client is rate limited, writing the
// 429 if so.
func (s *Service) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if s.rateLimiter == nil || s.rateLimiter.Allow(clientIP) {
		return false
	}

	s.logger.Warn("Rate limit exceeded", "ip", clientIP)
	if s.inst != nil {
		s.inst.Metrics().RecordRateLimitExceeded(r.Context())
	}
	if s.auditor != nil {
		s.auditor.LogRateLimitExceeded(clientIP)
	}
	w.Header().Set("Retry-After", "60")
	writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
	return true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"message": message,
	})
}
