// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newOtelHandler(t *testing.T, cfg OtelConfig) (*Handler, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newTestHandler(t, WithDispatchHook(InstrumentOtel(cfg))), rec, reader
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOtelSpans(t *testing.T) {
	cfg := DefaultOtelConfig()
	cfg.ServiceName = "bridge-test"
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("deployment", "ci")}
	h, rec, _ := newOtelHandler(t, cfg)

	handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	handle(t, h, `{"jsonrpc":"2.0","id":"x","method":"tools/call","params":{"name":"fail"}}`)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "toolrpc/tools/call", ok.Name())
	assert.Equal(t, trace.SpanKindServer, ok.SpanKind())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	attrs := spanAttrs(ok)
	assert.Equal(t, "jsonrpc", attrs["rpc.system"].AsString())
	assert.Equal(t, "bridge-test", attrs["rpc.service"].AsString())
	assert.Equal(t, "tools/call", attrs["rpc.method"].AsString())
	assert.Equal(t, "1", attrs["rpc.jsonrpc.request_id"].AsString())
	assert.Equal(t, "echo", attrs["toolrpc.tool"].AsString())
	assert.Equal(t, h.SessionID(), attrs["toolrpc.session_id"].AsString())
	assert.Equal(t, "ci", attrs["deployment"].AsString())
	assert.NotEmpty(t, attrs["toolrpc.dispatch_id"].AsString())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	attrs = spanAttrs(failed)
	assert.Equal(t, `"x"`, attrs["rpc.jsonrpc.request_id"].AsString())
	assert.Equal(t, int64(CodeToolFailure), attrs["rpc.jsonrpc.error_code"].AsInt64())
	assert.Equal(t, "implementation_failure", attrs["toolrpc.error_kind"].AsString())
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

func TestOtelMetrics(t *testing.T) {
	cfg := DefaultOtelConfig()
	cfg.EnableTracing = false
	h, rec, reader := newOtelHandler(t, cfg)

	handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	handle(t, h, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	handle(t, h, `{"jsonrpc":"2.0","id":3,"method":"missing"}`)
	assert.Empty(t, rec.Ended())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	requests, ok := byName["rpc.server.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := make(map[string]int64)
	for _, dp := range requests.DataPoints {
		status, _ := dp.Attributes.Value("status")
		counts[status.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 2, "error": 1}, counts)

	duration, ok := byName["rpc.server.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range duration.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)
}
