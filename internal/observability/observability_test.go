package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	setTracer(nil, tp.Tracer("test"))
	t.Cleanup(func() {
		setTracer(nil, nil)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestStartSpan(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "archive.append",
		attribute.String("session_id", "s1"),
		attribute.Int("messages", 3),
	)
	span.SetAttributes(attribute.Bool("card", true))
	if ctx == nil {
		t.Fatal("StartSpan returned nil context")
	}
	if span.Name() != "archive.append" {
		t.Errorf("span.Name() = %v, want archive.append", span.Name())
	}
	span.End()
	span.End()
	if !span.IsEnded() {
		t.Error("span should be ended")
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["session_id"].AsString() != "s1" {
		t.Errorf("session_id = %v", attrs["session_id"])
	}
	if attrs["messages"].AsInt64() != 3 {
		t.Errorf("messages = %v", attrs["messages"])
	}
	if !attrs["card"].AsBool() {
		t.Errorf("card = %v", attrs["card"])
	}
}

func TestSpan_EndWithError(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), "chat.send")
	span.EndWithError(errors.New("stream closed"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
}

func TestInit_Disabled(t *testing.T) {
	if err := Init(Config{Enabled: false}, nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "zipkin"}, nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b = 2 ,,c", map[string]string{"a": "1", "b": "2"}},
		{"auth=Basic x=y", map[string]string{"auth": "Basic x=y"}},
	}
	for _, tt := range tests {
		got := parseHeaders(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%q] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}
