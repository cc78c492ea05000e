// Package tracing offers optional OpenTelemetry spans around the interface
// receive path, the pull engine, and the introspection HTTP surface
// (SPEC_FULL.md §1.2 domain stack), kept off by default the way the
// teacher's tracing package gates OTEL behind an explicit Init call rather
// than wiring it in unconditionally.
/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION. All rights reserved.
 */
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors the teacher's cmn.TracingConf, trimmed to the fields this
// module actually uses.
type Config struct {
	Enabled            bool
	ExporterEndpoint   string
	SamplerProbability float64
}

var (
	mu       sync.Mutex
	enabled  bool
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
)

// Init starts the OTel SDK if cfg.Enabled, exporting through exp. A nil exp
// builds a default OTLP/gRPC exporter against cfg.ExporterEndpoint; tests
// pass a tracetest.InMemoryExporter instead, the way the teacher's own
// tracing tests do. nodeID/version populate resource attributes.
func Init(cfg *Config, nodeID string, exp sdktrace.SpanExporter, version string) error {
	mu.Lock()
	defer mu.Unlock()
	if !cfg.Enabled {
		enabled = false
		return nil
	}

	if exp == nil {
		var err error
		exp, err = otlptracegrpc.New(context.Background(), otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return err
		}
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("open-mx"),
			attribute.String("version", version),
			attribute.String("node", nodeID),
		),
	)
	if err != nil {
		return err
	}
	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerProbability))),
	)
	otel.SetTracerProvider(provider)
	tracer = provider.Tracer("github.com/open-mx/openmx")
	enabled = true
	return nil
}

func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// StartSpan is a no-op returning ctx unchanged when tracing is disabled, so
// the dispatch path and the pull engine pay nothing in that case.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	mu.Lock()
	t := tracer
	on := enabled
	mu.Unlock()
	if !on || t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// NewTraceableHandler wraps a fasthttp handler with a span per request,
// adapted from the teacher's otelhttp-based NewTraceableHandler to fasthttp
// (SPEC_FULL.md's introspection server uses fasthttp, not net/http).
func NewTraceableHandler(h fasthttp.RequestHandler, name string) fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		mu.Lock()
		t := tracer
		on := enabled
		mu.Unlock()
		if !on || t == nil {
			h(rc)
			return
		}
		ctx, span := t.Start(rc, name, trace.WithAttributes(
			attribute.String("http.method", string(rc.Method())),
			attribute.String("http.target", string(rc.Path())),
		))
		defer span.End()
		rc.SetUserValue("trace-ctx", ctx)
		h(rc)
		span.SetAttributes(attribute.Int("http.status_code", rc.Response.StatusCode()))
	}
}

func ForceFlush() {
	mu.Lock()
	p := provider
	mu.Unlock()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.ForceFlush(ctx)
}

func Shutdown() {
	mu.Lock()
	p := provider
	provider = nil
	tracer = nil
	enabled = false
	mu.Unlock()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}
