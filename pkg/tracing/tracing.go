package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "voxrelay"

// Span attributes shared by presence, storage and signaling spans.
var (
	ChannelIDKey   = attribute.Key("voice.channel_id")
	UserIDKey      = attribute.Key("voice.user_id")
	AdapterKey     = attribute.Key("voice.adapter")
	CacheResultKey = attribute.Key("voice.cache_result")
	MessageTypeKey = attribute.Key("signal.message_type")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "voxrelay",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline installed by Init. The zero value
// is the disabled provider.
type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider as the global one. When tracing is
// disabled the global no-op provider is left alone.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{sdk: provider}, nil
}

// sampler honours the caller's decision so a signaling request and the
// presence spans below it are kept or dropped together.
func sampler(rate float64) tracesdk.Sampler {
	if rate >= 1 {
		return tracesdk.ParentBased(tracesdk.AlwaysSample())
	}
	return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))
}

// Shutdown flushes buffered spans.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// TracePresenceOperation opens a span named presence.<operation>.
func TracePresenceOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, "presence."+operation, trace.SpanKindInternal, attrs...)
}

// TraceStoreOperation opens a client span around one state store or cache call.
func TraceStoreOperation(ctx context.Context, adapter, operation string) (context.Context, trace.Span) {
	return start(ctx, adapter+"."+operation, trace.SpanKindClient,
		AdapterKey.String(adapter),
		attribute.String("db.operation", operation),
	)
}

// TraceWebSocketMessage opens a span for one inbound signaling message.
func TraceWebSocketMessage(ctx context.Context, messageType, userID string) (context.Context, trace.Span) {
	return start(ctx, "signal."+messageType, trace.SpanKindServer,
		MessageTypeKey.String(messageType),
		UserIDKey.String(userID),
	)
}

// TraceHTTPRequest opens a server span for a presence API request. route is
// the matched pattern, not the raw path.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "HTTP "+method+" "+route, trace.SpanKindServer,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
