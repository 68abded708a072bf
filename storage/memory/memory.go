// Package memory provides an in-memory implementation of the session and
// login attempt stores. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-bff/instrumentation"
	"github.com/giantswarm/oidc-bff/security"
	"github.com/giantswarm/oidc-bff/storage"
)

const defaultCleanupInterval = time.Minute

// sessionEntry pairs a stored session with its absolute expiry. The expiry
// lives outside the session so TTL handling never leaks to callers.
type sessionEntry struct {
	session   *storage.Session
	expiresAt time.Time
}

// Store is an in-memory implementation of storage.SessionStore and
// storage.PKCEStateStore. Sessions expire sessionTTL after their last Put;
// attempts expire attemptTTL after Begin. Expired entries are dropped lazily
// on access and swept by a background goroutine.
type Store struct {
	mu sync.RWMutex

	// Sessions keyed by opaque session ID (tokens encrypted at rest if an
	// encryptor is set)
	sessions map[string]*sessionEntry

	// Pending login attempts keyed by transport token
	attempts map[string]*storage.PKCEAttempt

	sessionTTL time.Duration
	attemptTTL time.Duration

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	sessionsCountAtomic atomic.Int64
	attemptsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger

	// now is swappable for deterministic expiry tests
	now func() time.Time
}

// Compile-time interface checks
var (
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.PKCEStateStore = (*Store)(nil)
)

// New creates a new in-memory store with default TTLs and cleanup interval.
func New() *Store {
	return NewWithTTLs(storage.DefaultSessionTTL, storage.DefaultAttemptTTL)
}

// NewWithTTLs creates a new in-memory store with custom TTLs. Non-positive
// values fall back to the defaults.
func NewWithTTLs(sessionTTL, attemptTTL time.Duration) *Store {
	if sessionTTL <= 0 {
		sessionTTL = storage.DefaultSessionTTL
	}
	if attemptTTL <= 0 {
		attemptTTL = storage.DefaultAttemptTTL
	}

	s := &Store{
		sessions:        make(map[string]*sessionEntry),
		attempts:        make(map[string]*storage.PKCEAttempt),
		sessionTTL:      sessionTTL,
		attemptTTL:      attemptTTL,
		cleanupInterval: defaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil {
		s.logger.Info("Token encryption at rest enabled for session storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.attemptsCountAtomic.Store(int64(len(s.attempts)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.attemptsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register store size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// SessionStore Implementation
// ============================================================

// Get retrieves a session by ID, decrypting tokens if necessary. Reads never
// extend the session TTL. Missing or expired sessions return
// storage.ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	// The clone must happen under the lock: Touch mutates the stored
	// session in place.
	s.mu.RLock()
	encryptor := s.encryptor
	entry, ok := s.sessions[id]
	var session *storage.Session
	if ok && !s.now().After(entry.expiresAt) {
		session = entry.session.Clone()
	}
	s.mu.RUnlock()

	if session == nil {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	if encryptor != nil {
		if err = s.decryptSession(session, encryptor); err != nil {
			return nil, err
		}
	}

	return session, nil
}

// Put stores a session under the given ID, replacing any previous value and
// re-arming the TTL. The stored copy is independent of the caller's.
func (s *Store) Put(ctx context.Context, id string, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "put_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "put_session", err, startTime)
	}()

	if id == "" {
		err = fmt.Errorf("session ID cannot be empty")
		return err
	}
	if session == nil {
		err = fmt.Errorf("session cannot be nil")
		return err
	}

	stored := session.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encryptor != nil {
		if err = s.encryptSession(stored); err != nil {
			return err
		}
	}

	_, existed := s.sessions[id]
	s.sessions[id] = &sessionEntry{
		session:   stored,
		expiresAt: s.now().Add(s.sessionTTL),
	}
	if !existed {
		s.sessionsCountAtomic.Add(1)
	}

	s.logger.Debug("Stored session", "session_count", len(s.sessions))
	return nil
}

// Replace overwrites an existing session, keeping its TTL. A session deleted
// since the caller read it stays deleted.
func (s *Store) Replace(ctx context.Context, id string, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "replace_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "replace_session", err, startTime)
	}()

	if session == nil {
		err = fmt.Errorf("session cannot be nil")
		return err
	}

	stored := session.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || s.now().After(entry.expiresAt) {
		err = storage.ErrSessionNotFound
		return err
	}

	if s.encryptor != nil {
		if err = s.encryptSession(stored); err != nil {
			return err
		}
	}

	s.sessions[id] = &sessionEntry{
		session:   stored,
		expiresAt: entry.expiresAt,
	}
	return nil
}

// Touch updates the session's last-accessed time without extending its TTL.
func (s *Store) Touch(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "touch_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "touch_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || s.now().After(entry.expiresAt) {
		err = storage.ErrSessionNotFound
		return err
	}

	entry.session.LastAccessedAt = s.now()
	return nil
}

// Delete removes a session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.sessions[id]; existed {
		delete(s.sessions, id)
		s.sessionsCountAtomic.Add(-1)
	}

	return nil
}

// encryptSession encrypts token material in place. Caller holds the mutex.
func (s *Store) encryptSession(session *storage.Session) error {
	if session.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(session.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
		session.AccessToken = enc
	}
	if session.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(session.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		session.RefreshToken = enc
	}
	return nil
}

// decryptSession decrypts token material in place on a caller-owned copy.
func (s *Store) decryptSession(session *storage.Session, encryptor *security.Encryptor) error {
	if session.AccessToken != "" {
		dec, err := encryptor.Decrypt(session.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt access token: %w", err)
		}
		session.AccessToken = dec
	}
	if session.RefreshToken != "" {
		dec, err := encryptor.Decrypt(session.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		session.RefreshToken = dec
	}
	return nil
}

// ============================================================
// PKCEStateStore Implementation
// ============================================================

// Begin creates and stores a new login attempt with fresh state, verifier,
// and transport token.
func (s *Store) Begin(ctx context.Context) (*storage.PKCEAttempt, error) {
	ctx, span := s.startStorageSpan(ctx, "begin_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "begin_attempt", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := storage.NewPKCEAttempt(s.now(), s.attemptTTL)

	s.attempts[attempt.TransportToken] = attempt
	s.attemptsCountAtomic.Add(1)

	s.logger.Debug("Began login attempt", "attempt_count", len(s.attempts))
	return attempt.Clone(), nil
}

// Consume looks up the attempt for the transport token, validates the
// returned state, and deletes the attempt. The attempt is deleted whether or
// not validation succeeds: a login attempt is single-use.
func (s *Store) Consume(ctx context.Context, transportToken, returnedState string) (*storage.PKCEAttempt, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_attempt")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_attempt", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[transportToken]
	if ok {
		delete(s.attempts, transportToken)
		s.attemptsCountAtomic.Add(-1)
	}

	if !ok || s.now().After(attempt.ExpiresAt) {
		err = storage.ErrAttemptNotFound
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(attempt.State), []byte(returnedState)) != 1 {
		err = storage.ErrStateMismatch
		return nil, err
	}

	return attempt.Clone(), nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
			s.sessionsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, attempt := range s.attempts {
		if now.After(attempt.ExpiresAt) {
			delete(s.attempts, token)
			s.attemptsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"count", cleaned,
			"sessions", len(s.sessions),
			"attempts", len(s.attempts))
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
