// Package security provides supporting security features for the session
// mediator: token encryption at rest, clock-skew handling, per-client rate
// limiting, and audit logging.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oidc-bff/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	inst    *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation enables the audit event counter.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.inst = inst
}

// Event represents a security audit event
type Event struct {
	Type      string
	SessionID string
	Subject   string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed identifiers. Session IDs and
// subjects never appear in logs in the clear.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.inst != nil {
		a.inst.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_id_hash", hashForLogging(event.SessionID),
		"subject_hash", hashForLogging(event.Subject),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogSessionCreated logs a successful login completing the callback.
func (a *Auditor) LogSessionCreated(sessionID, subject, ipAddress string) {
	a.LogEvent(Event{
		Type:      "session_created",
		SessionID: sessionID,
		Subject:   subject,
		IPAddress: ipAddress,
	})
}

// LogSessionRevoked logs a session ending, with the reason (logout, refresh
// rejection, verification failure after refresh).
func (a *Auditor) LogSessionRevoked(sessionID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "session_revoked",
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs a completed refresh grant.
func (a *Auditor) LogTokenRefreshed(sessionID, trigger string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		SessionID: sessionID,
		Details: map[string]any{
			"trigger": trigger,
			"rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a refresh grant that did not produce new tokens.
func (a *Auditor) LogRefreshFailed(sessionID, reason string) {
	a.LogEvent(Event{
		Type:      "refresh_failed",
		SessionID: sessionID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs an authentication failure on an incoming request.
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogStateMismatch logs an authorization callback whose returned state did
// not match the stored attempt. Possible CSRF.
func (a *Auditor) LogStateMismatch(ipAddress string) {
	a.LogEvent(Event{
		Type:      "state_mismatch",
		IPAddress: ipAddress,
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
