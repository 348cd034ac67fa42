// Package telemetry wires OpenTelemetry tracing: one span per proxied
// connection and spans for admin HTTP requests.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultServiceName = "apwall"

// Options selects where spans go. With no Endpoint, spans stay in process
// and only feed the sampler.
type Options struct {
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required makes an exporter that cannot start a startup error instead
	// of a warning.
	Required bool
	// Sampler takes the OTEL_TRACES_SAMPLER names; Ratio feeds the ratio
	// based ones and is clamped to [0, 1].
	Sampler string
	Ratio   float64
	Logger  zerolog.Logger
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	name := strings.TrimSpace(o.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(o.sampler()),
	}

	if endpoint := strings.TrimSpace(o.Endpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, o.exporterOptions(endpoint)...)
		switch {
		case err == nil:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
			o.Logger.Info().Str("endpoint", endpoint).Str("service", name).Msg("otel exporter enabled")
		case o.Required:
			return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
		default:
			o.Logger.Warn().Err(err).Str("endpoint", endpoint).Msg("otel exporter disabled, spans stay local")
		}
	}

	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func (o Options) exporterOptions(endpoint string) []otlptracehttp.Option {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if o.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
	}
	return opts
}

// sampler defaults to sampling every root span and following the parent's
// decision otherwise.
func (o Options) sampler() trace.Sampler {
	ratio := min(max(o.Ratio, 0), 1)
	switch strings.ToLower(strings.TrimSpace(o.Sampler)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	case "parentbased_traceidratio", "parentbased_traceid_ratio":
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	case "parentbased_always_off":
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.AlwaysSample())
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName + "-admin"
	}
	return otelhttp.NewMiddleware(serviceName)
}
