package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the session mediator
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Session Lifecycle Metrics
	SessionsCreated metric.Int64Counter
	SessionsRevoked metric.Int64Counter
	TokenRefreshed  metric.Int64Counter

	// Token Verification Metrics
	TokenVerifications metric.Int64Counter
	JWKSFetches        metric.Int64Counter

	// Security Metrics
	RateLimitExceeded  metric.Int64Counter
	StateMismatches    metric.Int64Counter
	AuditEventsTotal   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSessionsCount     metric.Int64ObservableGauge
	StoragePKCEAttemptsCount metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	sessionMeter := inst.Meter("session")
	tokenMeter := inst.Meter("token")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"bff.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"bff.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.SessionsCreated, err = sessionMeter.Int64Counter(
		"bff.sessions.created",
		metric.WithDescription("Number of sessions created by completed logins"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsRevoked, err = sessionMeter.Int64Counter(
		"bff.sessions.revoked",
		metric.WithDescription("Number of sessions revoked"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.revoked counter: %w", err)
	}

	m.TokenRefreshed, err = sessionMeter.Int64Counter(
		"bff.token.refreshed",
		metric.WithDescription("Number of refresh grant attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenVerifications, err = tokenMeter.Int64Counter(
		"bff.token.verifications",
		metric.WithDescription("Number of token verifications by status"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.verifications counter: %w", err)
	}

	m.JWKSFetches, err = tokenMeter.Int64Counter(
		"bff.jwks.fetches",
		metric.WithDescription("Number of key set fetches from the authorization server"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks.fetches counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"bff.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StateMismatches, err = securityMeter.Int64Counter(
		"bff.state.mismatches",
		metric.WithDescription("Number of authorization callbacks with mismatched state"),
		metric.WithUnit("{mismatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.mismatches counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"bff.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSessionsCount, err = storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Current number of live sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StoragePKCEAttemptsCount, err = storageMeter.Int64ObservableGauge(
		"storage.pkce_attempts.count",
		metric.WithDescription("Current number of pending login attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.pkce_attempts.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordSessionCreated records a session created by a completed login
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionRevoked records a session revocation with its reason
func (m *Metrics) RecordSessionRevoked(ctx context.Context, reason string) {
	m.SessionsRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordTokenRefresh records a refresh grant attempt with its result and the
// trigger that initiated it ("timer" or "request").
func (m *Metrics) RecordTokenRefresh(ctx context.Context, trigger, result string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
}

// RecordTokenVerification records a token verification by status
func (m *Metrics) RecordTokenVerification(ctx context.Context, status string) {
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordJWKSFetch records a key set fetch
func (m *Metrics) RecordJWKSFetch(ctx context.Context, result string) {
	m.JWKSFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context) {
	m.RateLimitExceeded.Add(ctx, 1)
}

// RecordStateMismatch records a callback state mismatch
func (m *Metrics) RecordStateMismatch(ctx context.Context) {
	m.StateMismatches.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
