// Package observability configures OpenTelemetry tracing for lessonchat.
package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/cwhhwc/AI-lesson-plan-writing/internal/logger"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "lessonchat"

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration.
type Config struct {
	// ServiceName is the name of the service (defaults to "lessonchat")
	ServiceName string `yaml:"service_name"`

	// Enabled controls whether tracing is enabled
	Enabled bool `yaml:"enabled"`

	// ExporterType specifies the exporter: "otlp", "stdout", or "none"
	ExporterType string `yaml:"exporter"`

	// OTLPEndpoint is the OTLP/HTTP collector host:port; empty uses the
	// exporter's default (localhost:4318)
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPHeaders are additional headers for OTLP requests
	OTLPHeaders map[string]string `yaml:"otlp_headers"`

	// OTLPInsecure disables TLS towards the collector
	OTLPInsecure bool `yaml:"otlp_insecure"`
}

// ApplyEnv overrides fields from the standard OpenTelemetry variables that
// are set: OTEL_SERVICE_NAME, OTEL_TRACES_EXPORTER,
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_HEADERS ("k1=v1,k2=v2").
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("OTEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := getenv("OTEL_TRACES_EXPORTER"); v != "" {
		c.ExporterType = v
		c.Enabled = v != ExporterNone
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if h := parseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(h) > 0 {
		c.OTLPHeaders = h
	}
}

// Init installs a tracer provider for config. When tracing is disabled the
// global (no-op unless set elsewhere) provider is used.
func Init(config Config, log *logger.Logger) error {
	log = logger.OrNop(log)
	name := config.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	if !config.Enabled || config.ExporterType == "" || config.ExporterType == ExporterNone {
		log.Debug("tracing disabled")
		setTracer(nil, otel.GetTracerProvider().Tracer(name))
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(name)),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch config.ExporterType {
	case ExporterOTLP:
		exporter, err = createOTLPExporter(config)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		log.Info("tracing initialized", "exporter", ExporterOTLP, "endpoint", config.OTLPEndpoint)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		log.Info("tracing initialized", "exporter", ExporterStdout)
	default:
		return fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	setTracer(tp, tp.Tracer(name))
	return nil
}

// Shutdown flushes and stops the tracer provider installed by Init.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	mu.Unlock()
	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tp.Shutdown(ctx)
}

func setTracer(tp *sdktrace.TracerProvider, tr trace.Tracer) {
	mu.Lock()
	defer mu.Unlock()
	tracerProvider = tp
	tracer = tr
}

func currentTracer() trace.Tracer {
	mu.RLock()
	tr := tracer
	mu.RUnlock()
	if tr == nil {
		return otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr
}

// StartSpan starts a span under ctx carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	spanCtx, span := currentTracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return spanCtx, &Span{span: span, name: name}
}

// Span is a thin wrapper that makes End idempotent and records errors
// with an error status.
type Span struct {
	span  trace.Span
	name  string
	mu    sync.Mutex
	ended bool
}

// End finishes the span. Extra calls are ignored.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended && s.span != nil {
		s.span.End()
		s.ended = true
	}
}

// EndWithError records err (if any) and ends the span.
func (s *Span) EndWithError(err error) {
	s.SetError(err)
	s.End()
}

func (s *Span) Name() string { return s.name }

func (s *Span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetAttributes adds attributes to a span that is still open.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s.span != nil {
		s.span.SetAttributes(attrs...)
	}
}

// SetError marks the span as failed.
func (s *Span) SetError(err error) {
	if s.span != nil && err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

func createOTLPExporter(config Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(config.OTLPEndpoint))
	}
	if len(config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.OTLPHeaders))
	}
	if config.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
}

func parseHeaders(headerStr string) map[string]string {
	if strings.TrimSpace(headerStr) == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
