package bff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/provider"
	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
	"github.com/giantswarm/oidc-bff/token"
)

// Refresh triggers, recorded on metrics and audit events.
const (
	triggerRequest = "request"
	triggerTimer   = "timer"
)

// RefreshCoordinator rotates a session's tokens via the refresh grant and
// owns the proactive refresh timers: at most one pending timer per session,
// replaced on re-arm, cancelled synchronously on logout or revocation.
//
// Request-triggered and timer-triggered refreshes for the same session
// collapse into a single exchange; the late arrival observes the rotated
// tokens instead of racing a second grant against the first.
type RefreshCoordinator struct {
	sessions storage.SessionStore
	provider *provider.Client
	verifier *token.Verifier

	skew    time.Duration
	timeout time.Duration

	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation

	group singleflight.Group

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	// now is swappable for deterministic scheduling tests
	now func() time.Time
}

// NewRefreshCoordinator creates a coordinator. skew is how long before
// access token expiry the proactive timer fires; timeout bounds one refresh
// round trip including retries.
func NewRefreshCoordinator(
	sessions storage.SessionStore,
	prov *provider.Client,
	verifier *token.Verifier,
	skew, timeout time.Duration,
	logger *slog.Logger,
) *RefreshCoordinator {
	if skew <= 0 {
		skew = security.DefaultRefreshSkew
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RefreshCoordinator{
		sessions: sessions,
		provider: prov,
		verifier: verifier,
		skew:     skew,
		timeout:  timeout,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// SetAuditor sets the security auditor
func (c *RefreshCoordinator) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation
func (c *RefreshCoordinator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.inst = inst
}

// Refresh rotates the session's tokens, writes the updated session to the
// store, and re-arms the proactive timer. Concurrent calls for the same
// session share one exchange. On terminal failure the session is deleted,
// its timer cancelled, and ErrRefreshRejected or ErrSessionRevoked returned;
// the caller must send the user back through the login flow.
func (c *RefreshCoordinator) Refresh(ctx context.Context, sessionID string) (*storage.Session, error) {
	return c.refresh(ctx, sessionID, triggerRequest)
}

func (c *RefreshCoordinator) refresh(ctx context.Context, sessionID string, trigger string) (*storage.Session, error) {
	v, err, _ := c.group.Do(sessionID, func() (interface{}, error) {
		return c.doRefresh(ctx, sessionID, trigger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Session), nil
}

func (c *RefreshCoordinator) doRefresh(ctx context.Context, sessionID string, trigger string) (*storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		// Session gone (logout or TTL) while the refresh was pending. A
		// deleted session must never be resurrected; drop the timer too.
		c.Cancel(sessionID)
		return nil, err
	}

	if session.RefreshToken == "" {
		c.logger.Info("Session has no refresh token, revoking", "trigger", trigger)
		c.revoke(ctx, sessionID, "no_refresh_token")
		c.recordRefresh(ctx, trigger, "rejected")
		return nil, ErrRefreshRejected
	}

	newToken, err := c.exchangeRefreshToken(ctx, session.RefreshToken)
	if err != nil {
		if provider.IsGrantRejected(err) {
			c.logger.Warn("Refresh grant rejected, revoking session", "trigger", trigger)
			c.revoke(ctx, sessionID, "refresh_rejected")
			c.recordRefresh(ctx, trigger, "rejected")
			return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}

		// Retry budget exhausted on a transient failure. Terminal for this
		// session: the timer must not keep hammering an unreachable server.
		c.logger.Warn("Refresh grant failed, revoking session", "trigger", trigger, "error", err)
		c.revoke(ctx, sessionID, "refresh_unreachable")
		c.recordRefresh(ctx, trigger, "error")
		return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}

	// Never write an unverified token into the store.
	result := c.verifier.Verify(ctx, newToken.AccessToken)
	if !result.Valid() {
		c.logger.Error("Refreshed access token failed verification, revoking session",
			"status", result.Status.String())
		c.revoke(ctx, sessionID, "unverifiable_token")
		c.recordRefresh(ctx, trigger, "verification_failed")
		return nil, ErrSessionRevoked
	}

	rotated := newToken.RefreshToken != "" && newToken.RefreshToken != session.RefreshToken

	session.AccessToken = newToken.AccessToken
	if newToken.RefreshToken != "" {
		session.RefreshToken = newToken.RefreshToken
	}
	session.AccessTokenExpiresAt = newToken.Expiry
	session.LastAccessedAt = c.now()

	// Userinfo is display data only; a failure here keeps the stale
	// snapshot rather than failing the refresh.
	if profile, err := c.provider.UserInfo(ctx, newToken.AccessToken); err == nil {
		session.User = profile
	} else {
		c.logger.Debug("Userinfo fetch after refresh failed, keeping cached profile", "error", err)
	}

	// Conditional write: if logout deleted the session while the grant was
	// in flight, the rotated tokens are discarded instead of resurrecting
	// the session, and no timer is re-armed.
	if err := c.sessions.Replace(ctx, sessionID, session); err != nil {
		c.Cancel(sessionID)
		if errors.Is(err, storage.ErrSessionNotFound) {
			c.logger.Debug("Session deleted during refresh, discarding rotated tokens")
			return nil, err
		}
		return nil, fmt.Errorf("failed to store refreshed session: %w", err)
	}

	c.Schedule(sessionID, session.AccessTokenExpiresAt)
	c.recordRefresh(ctx, trigger, "success")
	if c.auditor != nil {
		c.auditor.LogTokenRefreshed(sessionID, trigger, rotated)
	}
	c.logger.Debug("Refreshed session tokens", "trigger", trigger, "rotated", rotated)

	return session, nil
}

// exchangeRefreshToken performs the refresh grant with one backoff retry on
// transient failures. A definitive 4xx rejection is never retried.
func (c *RefreshCoordinator) exchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	operation := func() (*oauth2.Token, error) {
		tok, err := c.provider.Refresh(ctx, refreshToken)
		if err != nil {
			if provider.IsGrantRejected(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return tok, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(2),
	)
}

// Schedule arms the proactive refresh timer for a session: it fires skew
// before expiresAt, immediately if already inside the skew window. Arming
// replaces any pending timer, keeping at most one per session.
func (c *RefreshCoordinator) Schedule(sessionID string, expiresAt time.Time) {
	delay := security.RefreshDelay(c.now(), expiresAt, c.skew)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if prev, ok := c.timers[sessionID]; ok {
		prev.Stop()
	}

	c.timers[sessionID] = time.AfterFunc(delay, func() {
		c.onTimer(sessionID)
	})
}

// Cancel synchronously stops the session's pending timer, if any.
func (c *RefreshCoordinator) Cancel(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// Close cancels all pending timers. The coordinator must not be used after
// Close.
func (c *RefreshCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// onTimer is the proactive refresh path. It re-reads the session inside
// doRefresh, so a timer that fires after deletion is a no-op and the
// exchange always uses the current refresh token, never one captured when
// the timer was armed.
func (c *RefreshCoordinator) onTimer(sessionID string) {
	ctx := context.Background()

	if _, err := c.refresh(ctx, sessionID, triggerTimer); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return
		}
		c.logger.Info("Proactive refresh failed", "error", err)
	}
}

// revoke deletes the session and cancels its timer.
func (c *RefreshCoordinator) revoke(ctx context.Context, sessionID, reason string) {
	if err := c.sessions.Delete(ctx, sessionID); err != nil {
		c.logger.Warn("Failed to delete revoked session", "error", err)
	}
	c.Cancel(sessionID)

	if c.auditor != nil {
		c.auditor.LogRefreshFailed(sessionID, reason)
		c.auditor.LogSessionRevoked(sessionID, "", reason)
	}
	if c.inst != nil {
		c.inst.Metrics().RecordSessionRevoked(ctx, reason)
	}
}

func (c *RefreshCoordinator) recordRefresh(ctx context.Context, trigger, result string) {
	if c.inst != nil {
		c.inst.Metrics().RecordTokenRefresh(ctx, trigger, result)
	}
}
