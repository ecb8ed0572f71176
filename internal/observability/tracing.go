// Package observability wires OpenTelemetry tracing, the resource
// monitor (§4.9), and the rate-limited alert dispatcher for error
// classes (§4.9, §7).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/drape/core/internal/config"
)

// Shutdown stops the tracer provider flush pipeline.
type Shutdown func(context.Context) error

var enabled atomic.Bool

// Init configures the global TracerProvider per cfg.Observability.Tracing.
// When tracing is disabled it installs a no-op provider and returns a
// no-op Shutdown, mirroring the teacher's always-callable-defer pattern.
func Init(ctx context.Context, cfg config.TracingConfig) (Shutdown, error) {
	if !cfg.Enabled {
		enabled.Store(false)
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

// Enabled reports whether Init armed a real exporter.
func Enabled() bool { return enabled.Load() }

// Tracer returns the named tracer for a component (e.g. "orchestrator").
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// HTTPMiddleware wraps the daemon's top-level handler with a server span
// per request, skipped entirely when tracing is disabled.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer("http").Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(semconv.HTTPMethod(r.Method), semconv.HTTPTarget(r.URL.Path)),
		)
		defer span.End()

		rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))
		span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode), attribute.Int64("http.response_size", rw.bytesWritten))
		if rw.statusCode >= 400 {
			span.SetStatus(1, http.StatusText(rw.statusCode))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Flush passes through to the underlying ResponseWriter when it supports
// streaming (SSE handlers on /preview/start and /preview/progress need
// this to survive the tracing wrapper).
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
