// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/luxfi/toolrpc/bridge"

// OtelConfig configures OpenTelemetry instrumentation of dispatches.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	EnableTracing    bool
	EnableMetrics    bool
	RecordExceptions bool

	// ServiceName is the rpc.service attribute value. Defaults to "toolrpc".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultOtelConfig enables tracing, metrics and error recording against
// the global providers.
func DefaultOtelConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentOtel returns a dispatch hook that records a server span, a
// request counter and a duration histogram per dispatch.
func InstrumentOtel(cfg OtelConfig) DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolrpc"
	}

	h := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requests, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched messages"),
		)
		h.duration, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched messages"),
		)
	}
	return h
}

type otelHook struct {
	cfg      OtelConfig
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

type spanToken struct {
	span  trace.Span
	start time.Time
}

func (h *otelHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{start: time.Now()}
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("toolrpc.dispatch_id", info.DispatchID),
		attribute.String("toolrpc.session_id", info.SessionID),
	}
	if info.RequestID != "" {
		attrs = append(attrs, attribute.String("rpc.jsonrpc.request_id", info.RequestID))
	}
	if info.Tool != "" {
		attrs = append(attrs, attribute.String("toolrpc.tool", info.Tool))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "toolrpc/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, start: time.Now()}
}

func (h *otelHook) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	elapsed := time.Since(st.start)

	status := "ok"
	var rpcErr *Error
	if err != nil {
		status = "error"
		errors.As(err, &rpcErr)
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requests != nil {
			h.requests.Add(ctx, 1, attrs)
		}
		if h.duration != nil {
			h.duration.Record(ctx, elapsed.Seconds(), attrs)
		}
	}

	if st.span == nil {
		return
	}
	if err != nil {
		if rpcErr != nil {
			st.span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rpcErr.Code))
			if rpcErr.Data != nil {
				st.span.SetAttributes(attribute.String("toolrpc.error_kind", rpcErr.Data.Kind))
			}
		}
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
