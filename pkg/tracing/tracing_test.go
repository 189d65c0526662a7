package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/script-supervisor/pkg/models"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewProvider(tp, "test"), rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestEndExecute(t *testing.T) {
	p, rec := recordingProvider()

	run := models.NewRunRecord(4, &models.ScriptSource{Checksum: "blake3:ab"})
	if err := run.Seal(models.OutcomeFailureExit, models.IntPtr(3)); err != nil {
		t.Fatal(err)
	}

	_, span := p.StartSpan(context.Background(), SpanExecute, AttrAttempt.Int(run.Attempt))
	EndExecute(span, run)

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	s := ended[0]
	if s.Name() != SpanExecute {
		t.Errorf("name = %q", s.Name())
	}
	a := attrs(s)
	if a[AttrAttempt].AsInt64() != 4 || a[AttrExitCode].AsInt64() != 3 {
		t.Errorf("unexpected attributes: %v", a)
	}
	if a[AttrOutcome].AsString() != "failure_exit" {
		t.Errorf("outcome = %q", a[AttrOutcome].AsString())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("failed run should mark span as error, got %v", s.Status().Code)
	}
}

func TestEndFetch_Error(t *testing.T) {
	p, rec := recordingProvider()

	_, span := p.StartSpan(context.Background(), SpanFetch)
	EndFetch(span, nil, errors.New("connection refused"))

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "connection refused" {
		t.Errorf("unexpected status: %+v", s.Status())
	}
	if len(s.Events()) != 1 {
		t.Errorf("expected recorded error event, got %d events", len(s.Events()))
	}
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "supervisor"})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := p.StartSpan(context.Background(), SpanFetch)
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), SpanFetch)
	if ctx == nil || span == nil {
		t.Fatal("nil provider must still return a span")
	}
	EndFetch(span, nil, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
