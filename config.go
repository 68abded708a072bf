// Package bff implements the confidential-client side of browser
// authentication: the browser holds only an opaque session cookie while this
// process holds the OAuth2 tokens, drives the authorization-code-with-PKCE
// flow, verifies access tokens against the authorization server's keys, and
// refreshes them proactively before they expire.
package bff

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
)

// Config holds the session mediator configuration.
type Config struct {
	// IssuerURL is the authorization server's base URL (required).
	IssuerURL string

	// ClientID is this relying party's client identifier (required).
	ClientID string

	// ClientSecret authenticates this confidential client (required).
	ClientSecret string

	// RedirectURL is the registered callback, "{backend}/auth/callback"
	// (required).
	RedirectURL string

	// FrontendURL is where browsers are sent after login, logout, and every
	// callback failure (required).
	FrontendURL string

	// Scopes requested at authorization. Defaults to
	// "offline_access openid profile email".
	Scopes []string

	// Audiences verified tokens must intersect. Empty disables the check.
	Audiences []string

	// Session lifecycle settings.
	Session SessionConfig

	// Cookies transport settings.
	Cookies CookieConfig

	// RateLimit per-IP limiting of the auth routes.
	RateLimit RateLimitConfig

	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at
	// rest in the session store. Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for authorization server requests.
	HTTPClient *http.Client

	// Instrumentation is optional OpenTelemetry instrumentation.
	Instrumentation *instrumentation.Instrumentation
}

// SessionConfig holds session and refresh timing.
type SessionConfig struct {
	// TTL is the hard session lifetime, mirroring the refresh token
	// lifetime at the authorization server. Default: 12 hours.
	TTL time.Duration

	// AttemptTTL bounds the login redirect round trip. Default: 10 minutes.
	AttemptTTL time.Duration

	// RefreshSkew is how long before access token expiry the proactive
	// refresh fires. Default: 60 seconds.
	RefreshSkew time.Duration

	// RefreshTimeout bounds one refresh grant round trip, retries included.
	// Default: 30 seconds.
	RefreshTimeout time.Duration
}

// CookieConfig holds cookie transport settings.
type CookieConfig struct {
	// Secure marks cookies Secure and applies the __Host- prefix. Enable in
	// any deployment served over HTTPS; disable only for local development.
	Secure bool

	// SessionName is the session cookie name. Default: "s".
	SessionName string

	// AttemptName is the login attempt cookie name. Default: "p".
	AttemptName string

	// UserInfoName is the public, JS-readable display profile cookie name.
	// Default: "u".
	UserInfoName string
}

// RateLimitConfig holds per-IP rate limiting for the auth routes.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// process, used to pick the client address out of X-Forwarded-For.
	TrustedProxyCount int
}

// validate checks required fields.
func (c *Config) validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if c.FrontendURL == "" {
		return fmt.Errorf("frontend URL is required")
	}
	if c.EncryptionKey != nil && len(c.EncryptionKey) != security.KeySize {
		return fmt.Errorf("encryption key must be %d bytes", security.KeySize)
	}
	return nil
}

// applyDefaults fills unset fields with safe defaults.
func (c *Config) applyDefaults() {
	if c.Session.TTL <= 0 {
		c.Session.TTL = storage.DefaultSessionTTL
	}
	if c.Session.AttemptTTL <= 0 {
		c.Session.AttemptTTL = storage.DefaultAttemptTTL
	}
	if c.Session.RefreshSkew <= 0 {
		c.Session.RefreshSkew = security.DefaultRefreshSkew
	}
	if c.Session.RefreshTimeout <= 0 {
		c.Session.RefreshTimeout = 30 * time.Second
	}
	if c.Cookies.SessionName == "" {
		c.Cookies.SessionName = "s"
	}
	if c.Cookies.AttemptName == "" {
		c.Cookies.AttemptName = "p"
	}
	if c.Cookies.UserInfoName == "" {
		c.Cookies.UserInfoName = "u"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}
