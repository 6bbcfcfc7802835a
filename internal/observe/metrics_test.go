package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCallCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.CallOriginated("02191302954")
	m.CallOriginated("02191302954")
	m.CallOriginated("02191302955")
	m.InboundCall(true)
	m.InboundCall(false)
	m.CallResult("CONNECTED")

	rm := collect(t, reader)

	met := findMetric(rm, "sedaflow.calls.originated")
	if met == nil {
		t.Fatal("originated metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("originated metric is not a sum")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("originated total = %d, want 3", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("originated series = %d, want 2 (one per line)", len(sum.DataPoints))
	}

	for _, name := range []string{"sedaflow.calls.inbound", "sedaflow.calls.result"} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestProviderRequestRecordsLatency(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.ProviderRequest("stt", "ok", 1.2)
	m.ProviderRequest("stt", "error", 0.3)

	rm := collect(t, reader)

	met := findMetric(rm, "sedaflow.provider.requests")
	if met == nil {
		t.Fatal("request counter not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("request metric is not a sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("request series = %d, want 2 (ok + error)", len(sum.DataPoints))
	}

	lat := findMetric(rm, "sedaflow.provider.latency")
	if lat == nil {
		t.Fatal("latency histogram not found")
	}
	hist, ok := lat.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("latency metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Error("latency histogram missing the two samples")
	}
}

func TestSessionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	rm := collect(t, reader)
	met := findMetric(rm, "sedaflow.sessions.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.CallOriginated("x")
	m.InboundCall(true)
	m.CallResult("BUSY")
	m.PanelReport("delivered")
	m.ProviderRequest("llm", "ok", 0.1)
	m.StreamReconnect()
	m.RecordCallDuration("outbound", 12)
	m.SessionStarted()
	m.SessionEnded()
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
