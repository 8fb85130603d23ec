package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrRunID       = attribute.Key("run.id")
	AttrAction      = attribute.Key("action.type")
	AttrObject      = attribute.Key("action.object")
	AttrTargetCount = attribute.Key("action.targets")
	AttrTransport   = attribute.Key("transport.name")
	AttrTargets     = attribute.Key("transport.targets")
	AttrPlanID      = attribute.Key("plan.id")
	AttrPlanName    = attribute.Key("plan.name")
)

// Tracer opens the spans skein records: one per action, one per transport
// batch inside it, and one per plan run.
type Tracer struct {
	tracer trace.Tracer

	// nil when tracing is disabled
	provider *sdktrace.TracerProvider
}

// NoopTracer returns a tracer whose spans carry no trace id.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("skein")}
}

// NewTracer installs a global tracer provider for cfg. A disabled config
// yields NoopTracer.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NoopTracer(), nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to describe trace resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{tracer: provider.Tracer(serviceName), provider: provider}, nil
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled
// and get ids but go nowhere.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

func (t *Tracer) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartActionSpan starts the span covering one action across all its targets.
func (t *Tracer) StartActionSpan(ctx context.Context, runID, action, object string, targets int) (context.Context, trace.Span) {
	return t.span(ctx, "action."+action,
		AttrRunID.String(runID),
		AttrAction.String(action),
		AttrObject.String(object),
		AttrTargetCount.Int(targets),
	)
}

// StartBatchSpan starts a child span for one batch of targets on a transport.
func (t *Tracer) StartBatchSpan(ctx context.Context, transport string, targets []string) (context.Context, trace.Span) {
	return t.span(ctx, "transport."+transport, AttrTransport.String(transport), AttrTargets.StringSlice(targets))
}

// StartPlanSpan starts a span for a plan run.
func (t *Tracer) StartPlanSpan(ctx context.Context, planID, plan string) (context.Context, trace.Span) {
	return t.span(ctx, "plan.run", AttrPlanID.String(planID), AttrPlanName.String(plan))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace id of the span in ctx, or "" without a valid
// span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
