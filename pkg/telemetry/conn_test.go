package telemetry

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

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := map[string]string{}
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestConnSpanRecordsVerdict(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartConn(context.Background(), "c-1", "198.51.100.7:40000")
	EndConn(span, ConnOutcome{
		State:    "Aborted",
		Method:   "POST",
		Path:     "/inbox",
		Actor:    "https://remote.example/users/alice",
		Decision: "BLOCK",
		Reason:   "low-trust unknown actor",
	})

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	attrs := attrMap(spans[0].Attributes())
	if attrs["apwall.conn_id"] != "c-1" || attrs["apwall.verdict"] != "BLOCK" || attrs["apwall.state"] != "Aborted" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if spans[0].Status().Code == codes.Error {
		t.Fatal("a block is not a span error")
	}
}

func TestConnSpanRecordsFailure(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartConn(context.Background(), "c-2", "198.51.100.7:40001")
	EndConn(span, ConnOutcome{State: "Aborted", Err: errors.New("upstream unavailable")})

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %+v", spans)
	}
	if _, ok := attrMap(spans[0].Attributes())["apwall.verdict"]; ok {
		t.Fatal("no verdict attribute expected without a decision")
	}
}
