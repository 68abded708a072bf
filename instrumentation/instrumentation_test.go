package instrumentation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"disabled", Config{Enabled: false}},
		{"enabled with names", Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{"enabled with defaults", Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("storage") == nil {
				t.Error("Tracer('storage') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
		})
	}
}

// shutdownMeterProvider wraps the noop provider with a recordable Shutdown.
type shutdownMeterProvider struct {
	noop.MeterProvider
	called *bool
}

func (p shutdownMeterProvider) Shutdown(ctx context.Context) error {
	*p.called = true
	return nil
}

type shutdownTracerProvider struct {
	tracenoop.TracerProvider
	called *bool
}

func (p shutdownTracerProvider) Shutdown(ctx context.Context) error {
	*p.called = true
	return nil
}

func TestShutdownReleasesProviders(t *testing.T) {
	var meterDown, tracerDown bool
	inst, err := New(Config{
		Enabled:        true,
		MeterProvider:  shutdownMeterProvider{noop.NewMeterProvider(), &meterDown},
		TracerProvider: shutdownTracerProvider{tracenoop.NewTracerProvider(), &tracerDown},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !meterDown {
		t.Error("meter provider was not shut down")
	}
	if !tracerDown {
		t.Error("tracer provider was not shut down")
	}

	// Shutdown is idempotent.
	meterDown, tracerDown = false, false
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if meterDown || tracerDown {
		t.Error("second Shutdown must not call providers again")
	}
}

func TestDisabledProvidersHaveNothingToShutDown(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(inst.shutdownFuncs) != 0 {
		t.Errorf("noop providers registered %d shutdown funcs", len(inst.shutdownFuncs))
	}
}

func TestRecordersAcceptNoopProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordHTTPRequest(ctx, "GET", "/auth/login", 302, 1.5)
	m.RecordSessionCreated(ctx)
	m.RecordSessionRevoked(ctx, "logout")
	m.RecordTokenRefresh(ctx, "timer", "success")
	m.RecordTokenVerification(ctx, "valid")
	m.RecordJWKSFetch(ctx, "success")
	m.RecordRateLimitExceeded(ctx)
	m.RecordStateMismatch(ctx)
	m.RecordAuditEvent(ctx, "session_created")
	m.RecordStorageOperation(ctx, "get_session", "success", 0.2)
}
