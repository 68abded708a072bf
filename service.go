package bff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/provider"
	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
	"github.com/giantswarm/oidc-bff/storage/memory"
	"github.com/giantswarm/oidc-bff/token"
)

// Service wires the session mediator together: the authorization server
// client, token verification, the session and attempt stores, the refresh
// coordinator, and the HTTP surface (handlers plus the Secure middleware).
type Service struct {
	config *Config

	provider    *provider.Client
	verifier    *token.Verifier
	sessions    storage.SessionStore
	attempts    storage.PKCEStateStore
	coordinator *RefreshCoordinator
	cookies     *cookieManager

	rateLimiter *security.RateLimiter
	auditor     *security.Auditor
	logger      *slog.Logger
	inst        *instrumentation.Instrumentation

	// ownedStore is set when the service created its own memory store and
	// is responsible for stopping it.
	ownedStore *memory.Store
}

// New creates a Service backed by the in-memory stores. Use NewWithStores to
// plug in external storage.
func New(cfg Config) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store := memory.NewWithTTLs(cfg.Session.TTL, cfg.Session.AttemptTTL)
	store.SetLogger(cfg.Logger)
	if cfg.EncryptionKey != nil {
		enc, err := security.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			store.Stop()
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		store.SetEncryptor(enc)
	}
	if cfg.Instrumentation != nil {
		store.SetInstrumentation(cfg.Instrumentation)
	}

	svc, err := NewWithStores(cfg, store, store)
	if err != nil {
		store.Stop()
		return nil, err
	}
	svc.ownedStore = store
	return svc, nil
}

// NewWithStores creates a Service on caller-provided stores. The caller owns
// the stores' lifecycle.
func NewWithStores(cfg Config, sessions storage.SessionStore, attempts storage.PKCEStateStore) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	prov, err := provider.New(&provider.Config{
		IssuerURL:    cfg.IssuerURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		HTTPClient:   cfg.HTTPClient,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	resolver, err := token.NewJWKSResolver(token.ResolverConfig{
		JWKSURL:         prov.JWKSURL(),
		HTTPClient:      cfg.HTTPClient,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key resolver: %w", err)
	}

	verifier, err := token.NewVerifier(token.VerifierConfig{
		Resolver:        resolver,
		Issuer:          prov.IssuerURL(),
		Audiences:       cfg.Audiences,
		Logger:          cfg.Logger,
		Instrumentation: cfg.Instrumentation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	coordinator := NewRefreshCoordinator(
		sessions, prov, verifier,
		cfg.Session.RefreshSkew, cfg.Session.RefreshTimeout,
		cfg.Logger,
	)

	svc := &Service{
		config:      &cfg,
		provider:    prov,
		verifier:    verifier,
		sessions:    sessions,
		attempts:    attempts,
		coordinator: coordinator,
		cookies:     newCookieManager(cfg.Cookies),
		logger:      cfg.Logger,
		inst:        cfg.Instrumentation,
	}

	if cfg.RateLimit.Rate > 0 {
		svc.rateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.Logger)
	}
	if cfg.EnableAuditLogging {
		svc.auditor = security.NewAuditor(cfg.Logger, true)
		if cfg.Instrumentation != nil {
			svc.auditor.SetInstrumentation(cfg.Instrumentation)
		}
		coordinator.SetAuditor(svc.auditor)
	}
	if cfg.Instrumentation != nil {
		coordinator.SetInstrumentation(cfg.Instrumentation)
	}

	return svc, nil
}

// Coordinator exposes the refresh coordinator, mainly so outer servers can
// re-arm timers for sessions restored from external storage.
func (s *Service) Coordinator() *RefreshCoordinator {
	return s.coordinator
}

// HealthCheck verifies the authorization server is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.provider.HealthCheck(ctx)
}

// Close cancels all pending refresh timers and releases background
// goroutines owned by the service.
func (s *Service) Close() error {
	s.coordinator.Close()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.ownedStore != nil {
		s.ownedStore.Stop()
	}
	return nil
}
