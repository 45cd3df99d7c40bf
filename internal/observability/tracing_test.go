package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndSpanRecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	_, ok := StartSpan(context.Background(), "job.run", attribute.String("job.id", "job-1"))
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "job.attestation")
	EndSpan(failed, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Name() != "job.run" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected first span: %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Fatalf("unexpected second span status: %v", spans[1].Status())
	}
}

func TestBuildExporterRejectsUnknown(t *testing.T) {
	if _, err := buildExporter(context.Background(), "zipkin", TracingConfig{}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
