package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "apwall/proxy"

// ConnOutcome is what a connection span records when it ends.
type ConnOutcome struct {
	State    string
	Method   string
	Path     string
	Actor    string
	Decision string
	Reason   string
	Err      error
}

// StartConn opens the span covering one accepted connection.
func StartConn(ctx context.Context, connID, peer string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "apwall.connection",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("apwall.conn_id", connID),
			attribute.String("net.peer.addr", peer),
		),
	)
}

// EndConn annotates and ends a connection span. Blocks are not span errors;
// only infrastructure and protocol failures are.
func EndConn(span oteltrace.Span, out ConnOutcome) {
	attrs := []attribute.KeyValue{attribute.String("apwall.state", out.State)}
	if out.Method != "" {
		attrs = append(attrs, attribute.String("http.request.method", out.Method))
	}
	if out.Path != "" {
		attrs = append(attrs, attribute.String("url.path", out.Path))
	}
	if out.Actor != "" {
		attrs = append(attrs, attribute.String("apwall.actor", out.Actor))
	}
	if out.Decision != "" {
		attrs = append(attrs,
			attribute.String("apwall.verdict", out.Decision),
			attribute.String("apwall.reason", out.Reason),
		)
	}
	span.SetAttributes(attrs...)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.End()
}
