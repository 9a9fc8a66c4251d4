package transport

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry
// tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "h1kit")
	TracerName string
	// SkipTargets lists request targets to skip tracing (e.g., health checks)
	SkipTargets []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName:  "h1kit",
		SkipTargets: []string{"/health", "/metrics"},
		Propagator:  propagation.TraceContext{},
	}
}

// Tracing wraps a Handler so every served request runs inside an
// OpenTelemetry span, with trace context extracted from the request
// headers.
func Tracing(next Handler) Handler {
	return TracingWithConfig(next, DefaultTracingConfig())
}

// TracingWithConfig wraps a Handler with tracing using custom
// configuration.
func TracingWithConfig(next Handler, config TracingConfig) Handler {
	if config.TracerName == "" {
		config.TracerName = "h1kit"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipTargets))
	for _, target := range config.SkipTargets {
		skipMap[target] = true
	}

	tracer := otel.Tracer(config.TracerName)

	return HandlerFunc(func(ctx context.Context, req *Request) *Response {
		if skipMap[req.Target] {
			return next.Serve(ctx, req)
		}

		carrier := &headerCarrier{headers: req.Headers}
		parentCtx := config.Propagator.Extract(ctx, carrier)

		spanCtx, span := tracer.Start(
			parentCtx,
			req.Method+" "+req.Target,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.Target),
			attribute.String("http.flavor", req.HTTPVersion),
			attribute.String("http.host", req.Header("host")),
			attribute.Int("http.request_content_length", len(req.Body)),
		)

		resp := next.Serve(spanCtx, req)

		if resp != nil {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			if resp.StatusCode >= 500 {
				span.SetStatus(codes.Error, "HTTP error")
			} else {
				span.SetStatus(codes.Ok, "")
			}
		} else {
			span.SetStatus(codes.Error, "handler returned no response")
		}

		return resp
	})
}

// headerCarrier adapts request header pairs to propagation.TextMapCarrier.
type headerCarrier struct {
	headers [][2]string
}

func (hc *headerCarrier) Get(key string) string {
	for _, h := range hc.headers {
		if strings.EqualFold(h[0], key) {
			return h[1]
		}
	}
	return ""
}

func (hc *headerCarrier) Set(key, value string) {
	hc.headers = append(hc.headers, [2]string{key, value})
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.headers))
	for _, h := range hc.headers {
		keys = append(keys, h[0])
	}
	return keys
}
