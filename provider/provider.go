// Package provider implements the client side of the external authorization
// server: building authorization and logout URLs, the token endpoint
// (code+PKCE exchange and the refresh grant), and the userinfo endpoint.
// The server is treated as a network service with JSON responses and
// standard OAuth2 error shapes.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Default endpoint paths relative to the issuer URL.
const (
	authorizePath = "/oauth2/authorize"
	tokenPath     = "/oauth2/token"
	userInfoPath  = "/oauth2/userinfo"
	logoutPath    = "/oauth2/logout"
	jwksPath      = "/.well-known/jwks.json"
)

// defaultScopes request a refresh token (offline_access) plus the standard
// OIDC identity scopes.
var defaultScopes = []string{"offline_access", "openid", "profile", "email"}

// Config holds the relying-party registration with the authorization server.
type Config struct {
	// IssuerURL is the authorization server's base URL (required).
	IssuerURL string

	// ClientID is the relying party's client identifier (required).
	ClientID string

	// ClientSecret authenticates this confidential client at the token
	// endpoint (required).
	ClientSecret string

	// RedirectURL is the registered callback URL, typically
	// "{backend}/auth/callback" (required).
	RedirectURL string

	// Scopes requested during authorization. Defaults to
	// "offline_access openid profile email".
	Scopes []string

	// HTTPClient is an optional custom HTTP client. The default applies a
	// 30 second timeout.
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger
}

// Client talks to the authorization server on behalf of the session mediator.
type Client struct {
	config      *oauth2.Config
	issuerURL   string
	userInfoURL string
	logoutURL   string
	jwksURL     string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Profile is the identity snapshot returned by the userinfo endpoint.
type Profile struct {
	// Sub is the stable subject identifier at the authorization server.
	Sub string `json:"sub"`

	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// New creates a client for the configured authorization server.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	issuer := strings.TrimRight(cfg.IssuerURL, "/")
	if _, err := url.Parse(issuer); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + authorizePath,
				TokenURL:  issuer + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		issuerURL:   issuer,
		userInfoURL: issuer + userInfoPath,
		logoutURL:   issuer + logoutPath,
		jwksURL:     issuer + jwksPath,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// IssuerURL returns the authorization server's issuer identifier, the value
// verified tokens must carry in their iss claim.
func (c *Client) IssuerURL() string {
	return c.issuerURL
}

// JWKSURL returns the authorization server's published key set URL.
func (c *Client) JWKSURL() string {
	return c.jwksURL
}

// AuthorizationURL builds the redirect target for a new authorization
// request carrying the attempt's CSRF state and PKCE challenge.
func (c *Client) AuthorizationURL(state, codeChallenge string) string {
	return c.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// LogoutURL builds the redirect target that ends the user's session at the
// authorization server. The server redirects back to the registered logout
// callback afterwards.
func (c *Client) LogoutURL() string {
	return c.logoutURL + "?client_id=" + url.QueryEscape(c.config.ClientID)
}

// Exchange redeems an authorization code and PKCE verifier for tokens.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Refresh exchanges a refresh token for a new token set via the refresh
// grant. The returned token may carry a rotated refresh token; callers must
// keep whichever refresh token the response contains.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	ts := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh grant failed: %w", err)
	}
	return token, nil
}

// UserInfo fetches the profile for an access token from the userinfo
// endpoint.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	return &profile, nil
}

// HealthCheck verifies the authorization server is reachable by fetching its
// published key set. Useful for readiness probes and startup validation.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authorization server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authorization server health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// IsGrantRejected reports whether the token endpoint definitively rejected a
// grant (a 4xx response such as invalid_grant). Rejection is terminal for the
// session holding the grant: unlike a network error or 5xx it must never be
// retried, the session is revoked instead.
func IsGrantRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	if retrieveErr.Response == nil {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code >= 400 && code < 500
}
