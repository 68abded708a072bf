package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/security"
)

// Status classifies a verification outcome. The distinction between Rejected
// and Unverifiable matters downstream: a rejected token is dead, an
// unverifiable one may verify fine once the key set is reachable again.
type Status int

const (
	// StatusValid means the token passed every check.
	StatusValid Status = iota

	// StatusMalformed means the input is not structurally a JWT. Detected
	// before any key resolution.
	StatusMalformed

	// StatusExpired means the token is authentic but past its expiry. The
	// only status that may trigger a refresh.
	StatusExpired

	// StatusRejected means the token is structurally sound but fails
	// signature, issuer, or audience checks.
	StatusRejected

	// StatusUnverifiable means the signing key could not be resolved, so no
	// judgment about the token itself is possible.
	StatusUnverifiable
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusMalformed:
		return "malformed"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	case StatusUnverifiable:
		return "unverifiable"
	default:
		return "unknown"
	}
}

// Claims are the verified claims of an access token.
type Claims struct {
	jwt.RegisteredClaims

	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// Result is the outcome of verifying one token.
type Result struct {
	Status Status

	// Claims is set for Valid and, when parseable, for Expired results so
	// callers can schedule a refresh from the expiry.
	Claims *Claims

	// Err carries the underlying failure for logging. Never exposed to
	// clients.
	Err error
}

// Valid reports whether the token passed verification.
func (r Result) Valid() bool {
	return r.Status == StatusValid
}

// acceptedSigningMethods lists the asymmetric algorithms the authorization
// server may sign with. Symmetric methods are excluded: a shared-secret
// token can be minted by anyone holding the verification key.
var acceptedSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
	"PS256", "PS384", "PS512",
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Resolver resolves signing keys by key ID (required).
	Resolver KeyResolver

	// Issuer is the exact iss value tokens must carry (required).
	Issuer string

	// Audiences the token's aud claim must intersect. Empty disables the
	// audience check.
	Audiences []string

	// Leeway tolerated on time-based claims. Zero uses the default clock
	// skew grace period.
	Leeway time.Duration

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// Instrumentation is optional OpenTelemetry instrumentation.
	Instrumentation *instrumentation.Instrumentation
}

// Verifier verifies access tokens against the authorization server's signing
// keys and the configured issuer and audiences.
type Verifier struct {
	resolver  KeyResolver
	issuer    string
	audiences []string
	parser    *jwt.Parser
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("key resolver is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = security.DefaultClockSkewGracePeriod
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		resolver:  cfg.Resolver,
		issuer:    cfg.Issuer,
		audiences: cfg.Audiences,
		parser: jwt.NewParser(
			jwt.WithValidMethods(acceptedSigningMethods),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
		),
		logger: logger,
		inst:   cfg.Instrumentation,
	}, nil
}

// Verify checks one raw token and classifies the outcome. Structurally
// invalid input is classified Malformed before any key resolution happens.
func (v *Verifier) Verify(ctx context.Context, raw string) Result {
	result := v.verify(ctx, raw)

	if v.inst != nil {
		v.inst.Metrics().RecordTokenVerification(ctx, result.Status.String())
	}
	if result.Err != nil {
		v.logger.Debug("Token verification failed",
			"status", result.Status.String(),
			"error", result.Err)
	}

	return result
}

func (v *Verifier) verify(ctx context.Context, raw string) Result {
	// Structural precondition: a compact JWT has exactly three segments.
	// Anything else never reaches the resolver.
	if raw == "" || strings.Count(raw, ".") != 2 {
		return Result{
			Status: StatusMalformed,
			Err:    errors.New("token is not a three-segment compact JWT"),
		}
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return v.resolver.Resolve(ctx, kid)
	})
	if err != nil {
		return v.classify(claims, err)
	}

	if rejected := v.checkIssuerAndAudience(claims); rejected != nil {
		return Result{Status: StatusRejected, Err: rejected}
	}

	return Result{Status: StatusValid, Claims: claims}
}

// classify maps a parse error to a status.
func (v *Verifier) classify(claims *Claims, err error) Result {
	var resolutionErr *KeyResolutionError

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Result{Status: StatusMalformed, Err: err}

	case errors.Is(err, jwt.ErrTokenExpired):
		// The signature checked out, so the claims are authentic, merely
		// stale. Issuer and audience must still hold before the token is
		// deemed refreshable rather than foreign.
		if rejected := v.checkIssuerAndAudience(claims); rejected != nil {
			return Result{Status: StatusRejected, Err: rejected}
		}
		return Result{Status: StatusExpired, Claims: claims, Err: err}

	case errors.As(err, &resolutionErr):
		return Result{Status: StatusUnverifiable, Err: err}

	default:
		// Unknown key, bad signature, wrong algorithm, premature nbf.
		return Result{Status: StatusRejected, Err: err}
	}
}

func (v *Verifier) checkIssuerAndAudience(claims *Claims) error {
	// Exact match only. Trailing-slash or case variants are different
	// issuers.
	if claims.Issuer != v.issuer {
		return fmt.Errorf("issuer mismatch")
	}

	if len(v.audiences) == 0 {
		return nil
	}
	for _, want := range v.audiences {
		for _, got := range claims.Audience {
			if got == want {
				return nil
			}
		}
	}
	return fmt.Errorf("audience mismatch")
}
