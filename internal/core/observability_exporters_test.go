package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Observe(context.Background(), "receive_paths", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "receive_paths", true, 10*time.Millisecond)
	rec.Observe(context.Background(), "receive_paths", false, time.Millisecond)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues("receive_paths", "success")); got != 2 {
		t.Fatalf("expected 2 successes, got %v", got)
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("receive_paths", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.latency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestOTelTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	svc, _, _ := newSeededService(t, []string{"S-1"}, WithTracer(NewOTelTracer(provider)))

	if _, _, err := svc.ReceivePaths(context.Background(), "S-1", "/a", "/b"); err != nil {
		t.Fatalf("receive paths: %v", err)
	}
	if _, _, err := svc.ReceivePaths(context.Background(), "nope", "/a", "/b"); err == nil {
		t.Fatalf("expected error")
	}

	var ok, failed bool
	for _, span := range recorder.Ended() {
		if span.Name() != opReceivePaths {
			continue
		}
		switch span.Status().Code {
		case codes.Ok:
			ok = true
		case codes.Error:
			failed = len(span.Events()) > 0
		}
	}
	if !ok || !failed {
		t.Fatalf("expected ok and error spans for receive_paths")
	}
}

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "titertrack")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
