package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NewNopLogger())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if providers != nil {
		t.Error("Expected nil providers when disabled")
	}
}

func TestShutdownOTel(t *testing.T) {
	if err := ShutdownOTel(context.Background(), nil, NewNopLogger()); err != nil {
		t.Errorf("Nil providers should shut down cleanly: %v", err)
	}

	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(),
		MeterProvider:  metric.NewMeterProvider(),
	}
	if err := ShutdownOTel(context.Background(), providers, NewNopLogger()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
