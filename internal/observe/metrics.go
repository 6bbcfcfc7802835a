// Package observe provides application-wide observability primitives for
// sedaflow: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution. All convenience methods are nil-receiver safe so
// components can run without metrics wired up.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sedaflow metrics.
const meterName = "github.com/sedaflow/sedaflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// CallsOriginated counts outbound origination attempts. Attribute:
	//   attribute.String("line", ...)
	CallsOriginated metric.Int64Counter

	// CallsInbound counts inbound arrivals. Attribute:
	//   attribute.Bool("accepted", ...)
	CallsInbound metric.Int64Counter

	// CallResults counts final session results. Attribute:
	//   attribute.String("status", ...)
	CallResults metric.Int64Counter

	// PanelReports counts outcome deliveries to the panel. Attribute:
	//   attribute.String("outcome", ...) — delivered or queued.
	PanelReports metric.Int64Counter

	// ProviderRequests counts STT/TTS/LLM/SMS calls. Attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	ProviderRequests metric.Int64Counter

	// StreamReconnects counts event-stream reconnect attempts.
	StreamReconnects metric.Int64Counter

	// --- Histograms ---

	// ProviderLatency tracks external provider latency. Attribute:
	//   attribute.String("kind", ...)
	ProviderLatency metric.Float64Histogram

	// CallDuration tracks answered-call duration. Attribute:
	//   attribute.String("direction", ...)
	CallDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// telephony and provider round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsOriginated, err = m.Int64Counter("sedaflow.calls.originated",
		metric.WithDescription("Total outbound origination attempts by line."),
	); err != nil {
		return nil, err
	}
	if met.CallsInbound, err = m.Int64Counter("sedaflow.calls.inbound",
		metric.WithDescription("Total inbound call arrivals by acceptance."),
	); err != nil {
		return nil, err
	}
	if met.CallResults, err = m.Int64Counter("sedaflow.calls.result",
		metric.WithDescription("Final session results by status."),
	); err != nil {
		return nil, err
	}
	if met.PanelReports, err = m.Int64Counter("sedaflow.panel.reports",
		metric.WithDescription("Outcome reports by delivery outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("sedaflow.provider.requests",
		metric.WithDescription("External provider requests by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("sedaflow.stream.reconnects",
		metric.WithDescription("Event-stream reconnect attempts."),
	); err != nil {
		return nil, err
	}

	if met.ProviderLatency, err = m.Float64Histogram("sedaflow.provider.latency",
		metric.WithDescription("External provider latency by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("sedaflow.call.duration",
		metric.WithDescription("Answered-call duration by direction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("sedaflow.sessions.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("sedaflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// CallOriginated records one outbound origination attempt.
func (m *Metrics) CallOriginated(line string) {
	if m == nil {
		return
	}
	m.CallsOriginated.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("line", line)))
}

// InboundCall records one inbound arrival.
func (m *Metrics) InboundCall(accepted bool) {
	if m == nil {
		return
	}
	m.CallsInbound.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("accepted", accepted)))
}

// CallResult records one final session result.
func (m *Metrics) CallResult(status string) {
	if m == nil {
		return
	}
	m.CallResults.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// PanelReport records one report delivery attempt outcome.
func (m *Metrics) PanelReport(outcome string) {
	if m == nil {
		return
	}
	m.PanelReports.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ProviderRequest records one external provider call with its latency.
func (m *Metrics) ProviderRequest(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	m.ProviderLatency.Record(context.Background(), seconds,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// StreamReconnect records one event-stream reconnect attempt.
func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Add(context.Background(), 1)
}

// RecordCallDuration records how long an answered call lasted.
func (m *Metrics) RecordCallDuration(direction string, seconds float64) {
	if m == nil {
		return
	}
	m.CallDuration.Record(context.Background(), seconds,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// SessionStarted bumps the live-session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), 1)
}

// SessionEnded drops the live-session gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), -1)
}
