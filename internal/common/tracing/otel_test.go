package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestEndpointHost(t *testing.T) {
	tests := map[string]string{
		"http://collector:4318": "collector:4318",
		"https://otel.example/": "otel.example",
		"localhost:4318":        "localhost:4318",
	}
	for in, want := range tests {
		if got := endpointHost(in); got != want {
			t.Errorf("endpointHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	ctx, span := Start(context.Background(), Tracer("test"), "op", "a-1", "picoclaw")
	if ctx == nil {
		t.Fatal("nil context")
	}
	End(span, errors.New("boom"))
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
