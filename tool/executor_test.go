// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func asyncEcho(_ context.Context, args json.RawMessage) Future {
	return Resolved(args, nil)
}

func newExecutor(t *testing.T, opts ...ExecutorOption) (*Registry, *Executor) {
	t.Helper()
	reg := NewRegistry()
	return reg, NewExecutor(reg, opts...)
}

func executionKind(t *testing.T, err error) Kind {
	t.Helper()
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	return execErr.Kind
}

func TestExecuteMissingTool(t *testing.T) {
	_, exec := newExecutor(t)
	_, err := exec.Execute(context.Background(), "missing", json.RawMessage(`{}`), time.Second)
	require.ErrorIs(t, err, ErrToolNotFound)
	assert.Equal(t, KindToolNotFound, executionKind(t, err))
	assert.Contains(t, err.Error(), `"missing"`)

	m := exec.Metrics()
	assert.Equal(t, uint64(1), m.Total)
	assert.Equal(t, uint64(1), m.Failure)
	assert.Zero(t, m.SuccessRate())
}

func TestExecuteEchoAndReplace(t *testing.T) {
	for _, cached := range []bool{false, true} {
		reg, exec := newExecutor(t, WithCache(cached))
		require.NoError(t, reg.Register("echo", "returns its input", Func(echo)))

		out, err := exec.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`), time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(out))

		require.NoError(t, reg.Register("echo", "constant", constant(`{"replaced":true}`)))
		out, err = exec.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`), time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"replaced":true}`, string(out), "cached=%v", cached)
	}
}

func TestAdaptersBehaveAlike(t *testing.T) {
	impls := map[string]Implementation{
		"func":  Func(echo),
		"async": AsyncFunc(asyncEcho),
	}
	for name, impl := range impls {
		t.Run(name, func(t *testing.T) {
			reg, exec := newExecutor(t)
			require.NoError(t, reg.Register("echo", "", impl))
			out, err := exec.Execute(context.Background(), "echo", json.RawMessage(`[1,"two"]`), time.Second)
			require.NoError(t, err)
			assert.JSONEq(t, `[1,"two"]`, string(out))

			out, err = exec.Execute(context.Background(), "echo", nil, time.Second)
			require.NoError(t, err)
			assert.JSONEq(t, `{}`, string(out))
		})
	}
}

func TestCacheInvokesOnce(t *testing.T) {
	reg, exec := newExecutor(t, WithCache(true))
	var calls atomic.Int32
	require.NoError(t, reg.Register("count", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n := calls.Add(1)
		return json.Marshal(map[string]int32{"n": n})
	})))

	first, err := exec.Execute(context.Background(), "count", json.RawMessage(`{"a":1,"b":2}`), time.Second)
	require.NoError(t, err)
	// Same arguments with a different key order.
	second, err := exec.Execute(context.Background(), "count", json.RawMessage(`{ "b":2, "a":1 }`), time.Second)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, exec.CacheLen())

	m := exec.Metrics()
	assert.Equal(t, uint64(2), m.Total)
	assert.Equal(t, uint64(2), m.Success)
	assert.Equal(t, uint64(1), m.CacheHit)
	assert.InDelta(t, 50.0, m.CacheHitRate(), 1e-9)
	assert.InDelta(t, 100.0, m.SuccessRate(), 1e-9)

	_, err = exec.Execute(context.Background(), "count", json.RawMessage(`{"a":2}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	exec.ClearCache()
	assert.Zero(t, exec.CacheLen())
	_, err = exec.Execute(context.Background(), "count", json.RawMessage(`{"a":1,"b":2}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheDisabledByDefault(t *testing.T) {
	reg, exec := newExecutor(t)
	var calls atomic.Int32
	require.NoError(t, reg.Register("count", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`1`), nil
	})))
	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), "count", nil, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, exec.CacheLen())
}

func TestReregisterDropsStaleEntries(t *testing.T) {
	reg, exec := newExecutor(t, WithCache(true))
	require.NoError(t, reg.Register("echo", "", Func(echo)))
	for _, args := range []string{`{"a":1}`, `{"a":2}`} {
		_, err := exec.Execute(context.Background(), "echo", json.RawMessage(args), time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, 2, exec.CacheLen())

	require.NoError(t, reg.Register("echo", "", constant(`"new"`)))
	out, err := exec.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(out))
	// Old generation entries were dropped on first access.
	assert.Equal(t, 1, exec.CacheLen())

	assert.Equal(t, 1, exec.InvalidateTool("echo"))
	assert.Zero(t, exec.CacheLen())
	assert.Zero(t, exec.InvalidateTool("echo"))
}

func TestExecuteTimeout(t *testing.T) {
	reg, exec := newExecutor(t)
	release := make(chan struct{})
	defer close(release)
	var finished atomic.Bool
	require.NoError(t, reg.Register("slow", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		// Ignores its context on purpose.
		<-release
		finished.Store(true)
		return json.RawMessage(`"late"`), nil
	})))

	start := time.Now()
	_, err := exec.Execute(context.Background(), "slow", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, executionKind(t, err))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, finished.Load())

	m := exec.Metrics()
	assert.Equal(t, uint64(1), m.Timeout)
	assert.Zero(t, m.Failure)
	assert.Equal(t, uint64(1), m.Total)
}

func TestExecuteTimeoutCooperative(t *testing.T) {
	reg, exec := newExecutor(t)
	require.NoError(t, reg.Register("polite", "", Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	_, err := exec.Execute(context.Background(), "polite", nil, 10*time.Millisecond)
	assert.Equal(t, KindTimeout, executionKind(t, err))
	assert.Equal(t, uint64(1), exec.Metrics().Timeout)
}

func TestExecuteDefaultDeadline(t *testing.T) {
	reg, exec := newExecutor(t, WithDefaultDeadline(10*time.Millisecond))
	require.NoError(t, reg.Register("polite", "", Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	_, err := exec.Execute(context.Background(), "polite", nil, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteCallerCancelled(t *testing.T) {
	reg, exec := newExecutor(t)
	require.NoError(t, reg.Register("block", "", Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := exec.Execute(ctx, "block", nil, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), exec.Metrics().Failure)
}

func TestExecuteImplementationFailure(t *testing.T) {
	reg, exec := newExecutor(t, WithCache(true))
	boom := errors.New("boom")
	require.NoError(t, reg.Register("fail", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})))
	require.NoError(t, reg.Register("panic", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaput")
	})))
	require.NoError(t, reg.Register("garbage", "", constant(`{"a":`)))

	_, err := exec.Execute(context.Background(), "fail", nil, time.Second)
	require.ErrorIs(t, err, ErrImplementationFailure)
	require.ErrorIs(t, err, boom)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "boom", execErr.Message)

	_, err = exec.Execute(context.Background(), "panic", nil, time.Second)
	require.ErrorIs(t, err, ErrImplementationFailure)
	assert.Contains(t, err.Error(), "kaput")

	_, err = exec.Execute(context.Background(), "garbage", nil, time.Second)
	require.ErrorIs(t, err, ErrImplementationFailure)

	// Failures are never cached.
	assert.Zero(t, exec.CacheLen())
	assert.Equal(t, uint64(3), exec.Metrics().Failure)
}

func TestExecuteInvalidArguments(t *testing.T) {
	reg, exec := newExecutor(t)
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	require.NoError(t, reg.Register("read", "", Func(echo), WithInputSchema(schema)))

	for _, args := range []string{`{`, `{"path":3}`, `{}`, `[]`} {
		_, err := exec.Execute(context.Background(), "read", json.RawMessage(args), time.Second)
		require.ErrorIs(t, err, ErrInvalidArguments, "args=%s", args)
		assert.Equal(t, KindInvalidArguments, executionKind(t, err))
	}

	out, err := exec.Execute(context.Background(), "read", json.RawMessage(`{"path":"/tmp"}`), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/tmp"}`, string(out))
}

func TestMetricsLatencyAndReset(t *testing.T) {
	reg, exec := newExecutor(t)
	require.NoError(t, reg.Register("sleep", "", Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return json.RawMessage(`null`), nil
	})))
	require.NoError(t, reg.Register("fast", "", Func(echo)))

	_, err := exec.Execute(context.Background(), "sleep", nil, time.Second)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), "fast", nil, time.Second)
	require.NoError(t, err)

	m := exec.Metrics()
	assert.GreaterOrEqual(t, m.MaxLatency, 5*time.Millisecond)
	assert.LessOrEqual(t, m.MinLatency, m.AvgLatency)
	assert.LessOrEqual(t, m.AvgLatency, m.MaxLatency)

	exec.ResetMetrics()
	assert.Equal(t, Metrics{}, exec.Metrics())
	assert.Zero(t, exec.Metrics().CacheHitRate())
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("echo", 1, []byte(`{"a":1}`))
	assert.Equal(t, a, Fingerprint("echo", 1, []byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint("echo", 2, []byte(`{"a":1}`)))
	assert.NotEqual(t, a, Fingerprint("echo2", 1, []byte(`{"a":1}`)))
}

func TestCollector(t *testing.T) {
	reg, exec := newExecutor(t, WithCache(true))
	require.NoError(t, reg.Register("echo", "", Func(echo)))
	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`), time.Second)
		require.NoError(t, err)
	}
	_, err := exec.Execute(context.Background(), "missing", nil, time.Second)
	require.Error(t, err)

	c := NewCollector(exec)
	expected := `
# HELP toolrpc_executor_calls_total Tool calls by outcome.
# TYPE toolrpc_executor_calls_total counter
toolrpc_executor_calls_total{outcome="failure"} 1
toolrpc_executor_calls_total{outcome="success"} 2
toolrpc_executor_calls_total{outcome="timeout"} 0
# HELP toolrpc_executor_cache_hits_total Tool calls answered from the result cache.
# TYPE toolrpc_executor_cache_hits_total counter
toolrpc_executor_cache_hits_total 1
# HELP toolrpc_executor_cache_entries Results currently cached.
# TYPE toolrpc_executor_cache_entries gauge
toolrpc_executor_cache_entries 1
# HELP toolrpc_executor_registered_tools Tools currently registered.
# TYPE toolrpc_executor_registered_tools gauge
toolrpc_executor_registered_tools 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"toolrpc_executor_calls_total",
		"toolrpc_executor_cache_hits_total",
		"toolrpc_executor_cache_entries",
		"toolrpc_executor_registered_tools",
	))
	assert.Equal(t, 9, testutil.CollectAndCount(c))
}
