// Package token verifies access tokens issued by the authorization server:
// resolving signing keys from the published key set and classifying
// verification outcomes so callers can tell "invalid" from "cannot verify".
package token

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/internal/util"
)

// ErrKeyNotFound is returned when the key set does not contain the requested
// key ID, even after a refetch.
var ErrKeyNotFound = errors.New("signing key not found")

// KeyResolutionError wraps transient failures reaching or parsing the key
// set. A token failing with this error is unverifiable, not invalid.
type KeyResolutionError struct {
	Err error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("key resolution failed: %v", e.Err)
}

func (e *KeyResolutionError) Unwrap() error {
	return e.Err
}

// KeyResolver maps a token's key ID to the public key that verifies it.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (crypto.PublicKey, error)
}

const (
	// defaultMinRefetchInterval bounds how often an unknown kid may force a
	// key set refetch. Tokens signed with genuinely unknown keys otherwise
	// turn every request into a network fetch.
	defaultMinRefetchInterval = 30 * time.Second

	fetchMaxTries = 2
)

// ResolverConfig configures a JWKSResolver.
type ResolverConfig struct {
	// JWKSURL is the authorization server's published key set URL (required).
	JWKSURL string

	// HTTPClient is an optional custom HTTP client. The default applies a
	// 10 second timeout.
	HTTPClient *http.Client

	// MinRefetchInterval bounds miss-driven refetches. Zero uses the default
	// of 30 seconds.
	MinRefetchInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// Instrumentation is optional OpenTelemetry instrumentation.
	Instrumentation *instrumentation.Instrumentation
}

// JWKSResolver resolves signing keys from a JWKS endpoint with a
// process-lifetime cache. Keys are fetched once and kept; an unknown key ID
// forces at most one refetch (shared across concurrent callers), after which
// the miss fails closed with ErrKeyNotFound.
type JWKSResolver struct {
	jwksURL            string
	httpClient         *http.Client
	minRefetchInterval time.Duration
	logger             *slog.Logger
	inst               *instrumentation.Instrumentation

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time

	group singleflight.Group

	// now is swappable for deterministic refetch-interval tests
	now func() time.Time
}

var _ KeyResolver = (*JWKSResolver)(nil)

// NewJWKSResolver creates a resolver for the given key set URL.
func NewJWKSResolver(cfg ResolverConfig) (*JWKSResolver, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	minRefetch := cfg.MinRefetchInterval
	if minRefetch <= 0 {
		minRefetch = defaultMinRefetchInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JWKSResolver{
		jwksURL:            cfg.JWKSURL,
		httpClient:         httpClient,
		minRefetchInterval: minRefetch,
		logger:             logger,
		inst:               cfg.Instrumentation,
		keys:               make(map[string]crypto.PublicKey),
		now:                time.Now,
	}, nil
}

// Resolve returns the public key for kid. A cache miss forces one shared
// refetch of the key set; a miss after refetch is ErrKeyNotFound. Fetch
// failures are KeyResolutionError: the caller cannot tell whether the token
// is valid, only that verification is impossible right now.
func (r *JWKSResolver) Resolve(ctx context.Context, kid string) (crypto.PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[kid]
	lastFetch := r.lastFetch
	r.mu.RUnlock()

	if ok {
		return key, nil
	}

	// Unknown kid within the refetch window: the key set was fetched
	// recently and does not contain this key. Fail closed without another
	// network round trip.
	if !lastFetch.IsZero() && r.now().Sub(lastFetch) < r.minRefetchInterval {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, util.SafeTruncate(kid, 16))
	}

	// Collapse concurrent misses into a single fetch.
	_, err, _ := r.group.Do("jwks", func() (interface{}, error) {
		return nil, r.fetch(ctx)
	})
	if err != nil {
		r.recordFetch(ctx, "error")
		return nil, &KeyResolutionError{Err: err}
	}
	r.recordFetch(ctx, "success")

	r.mu.RLock()
	key, ok = r.keys[kid]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, util.SafeTruncate(kid, 16))
	}
	return key, nil
}

// fetch retrieves and parses the key set, replacing the cache on success.
// Transient failures get one backoff retry.
func (r *JWKSResolver) fetch(ctx context.Context) error {
	operation := func() (*jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build JWKS request: %w", err))
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
		}

		var set jose.JSONWebKeySet
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, fmt.Errorf("failed to decode JWKS: %w", err)
		}
		return &set, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond

	set, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(fetchMaxTries),
	)
	if err != nil {
		return err
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || !k.Valid() {
			continue
		}
		// Private keys must never end up in a verification cache.
		if !k.IsPublic() {
			continue
		}
		keys[k.KeyID] = k.Key
	}

	r.mu.Lock()
	r.keys = keys
	r.lastFetch = r.now()
	r.mu.Unlock()

	r.logger.Debug("Refreshed signing key set", "key_count", len(keys))
	return nil
}

func (r *JWKSResolver) recordFetch(ctx context.Context, result string) {
	if r.inst != nil {
		r.inst.Metrics().RecordJWKSFetch(ctx, result)
	}
}
