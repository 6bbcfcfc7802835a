package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps in an in-memory exporter for the duration of
// one test so recorded spans can be inspected.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationIDEmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpanYieldsCorrelationID(t *testing.T) {
	exp := installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "originate")
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation id = %q, want 32 hex chars", cid)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "originate" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestCallSpanCarriesSessionAndResult(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartCallSpan(context.Background(), "sid-7")
	EndCallSpan(span, "outbound", "not_interested")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d", len(spans))
	}
	got := spans[0]
	if got.Name != "call.session" {
		t.Errorf("span name = %q", got.Name)
	}
	attrs := map[string]string{}
	for _, a := range got.Attributes {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs["session.id"] != "sid-7" {
		t.Errorf("session.id = %q", attrs["session.id"])
	}
	if attrs["call.direction"] != "outbound" || attrs["call.result"] != "not_interested" {
		t.Errorf("attrs = %v", attrs)
	}
}

func TestLoggerCarriesTraceIDs(t *testing.T) {
	installTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("call accepted")

	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace fields: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span here")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("spanless log carries trace_id: %s", buf.String())
	}
}
