package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// quietPaths are polled by the orchestrator and Prometheus every few
// seconds; they get duration metrics but no spans and no log lines.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the admin mux with request telemetry: W3C trace
// context comes in from the headers (or a new trace starts), a server
// span covers the request, the trace id goes back out as
// X-Correlation-ID, and duration lands in [Metrics.HTTPRequestDuration].
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			quiet := quietPaths[r.URL.Path]
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			if !quiet {
				var span trace.Span
				ctx, span = StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
					),
				)
				defer func() {
					span.SetAttributes(semconv.HTTPResponseStatusCode(sr.statusCode))
					span.End()
				}()
			}

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(sr, r.WithContext(ctx))

			duration := time.Since(start)
			if m != nil {
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("path", r.URL.Path),
					),
				)
			}
			if !quiet {
				Logger(ctx).Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", sr.statusCode,
					"duration", duration,
				)
			}
		})
	}
}
