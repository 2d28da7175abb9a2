// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/toolrpc/envelope"
	"github.com/luxfi/toolrpc/tool"
)

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("echo", "returns its arguments",
		tool.Func(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		})))
	require.NoError(t, reg.Register("add", "adds a and b",
		tool.Func(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct{ A, B float64 }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.Marshal(in.A + in.B)
		}),
		tool.WithInputSchema(json.RawMessage(`{"type":"object","required":["a","b"],"properties":{"a":{"type":"number"},"b":{"type":"number"}}}`))))
	require.NoError(t, reg.Register("fail", "always fails",
		tool.Func(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		})))
	require.NoError(t, reg.Register("sleep", "outlives its deadline",
		tool.Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))
	exec := tool.NewExecutor(reg, tool.WithDefaultDeadline(50*time.Millisecond))
	return NewHandler(exec, ServerInfo{Name: "test", Version: Version}, opts...)
}

func handle(t *testing.T, h *Handler, msg string) Response {
	t.Helper()
	out, ok := h.HandleMessage(context.Background(), []byte(msg))
	require.True(t, ok, "expected a response to %s", msg)
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func TestHandleErrors(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name string
		msg  string
		id   string
		code int
		kind string
	}{
		{name: "not json", msg: `{"jsonrpc":`, id: "null", code: CodeParseError},
		{name: "empty", msg: ``, id: "null", code: CodeParseError},
		{name: "array", msg: `[1,2]`, id: "null", code: CodeInvalidRequest},
		{name: "wrong version", msg: `{"jsonrpc":"1.0","id":3,"method":"ping"}`, id: "3", code: CodeInvalidRequest},
		{name: "missing method", msg: `{"jsonrpc":"2.0","id":"a"}`, id: `"a"`, code: CodeInvalidRequest},
		{name: "object id", msg: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, id: "null", code: CodeInvalidRequest},
		{name: "boolean id", msg: `{"jsonrpc":"2.0","id":true,"method":"ping"}`, id: "null", code: CodeInvalidRequest},
		{name: "boolean id wrong version", msg: `{"jsonrpc":"1.0","id":false,"method":"ping"}`, id: "null", code: CodeInvalidRequest},
		{name: "method type", msg: `{"jsonrpc":"2.0","id":1,"method":5}`, id: "null", code: CodeInvalidRequest},
		{name: "unknown method", msg: `{"jsonrpc":"2.0","id":4,"method":"tools/delete"}`, id: "4", code: CodeMethodNotFound},
		{name: "params not object", msg: `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":[1]}`, id: "5", code: CodeInvalidParams},
		{name: "missing name", msg: `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{}}`, id: "6", code: CodeInvalidParams},
		{name: "tool not found", msg: `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"nope"}}`, id: "7", code: CodeToolNotFound, kind: "tool_not_found"},
		{name: "schema violation", msg: `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"add","arguments":{"a":1}}}`, id: "8", code: CodeInvalidParams, kind: "invalid_arguments"},
		{name: "tool failure", msg: `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"fail"}}`, id: "9", code: CodeToolFailure, kind: "implementation_failure"},
		{name: "timeout", msg: `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"sleep"}}`, id: "10", code: CodeTimeout, kind: "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(t, h, tt.msg)
			assert.Equal(t, tt.id, string(resp.ID))
			assert.Nil(t, resp.Result)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
			if tt.kind == "" {
				assert.Nil(t, resp.Error.Data)
				return
			}
			require.NotNil(t, resp.Error.Data)
			assert.Equal(t, tt.kind, resp.Error.Data.Kind)
		})
	}
}

func TestHandleInitialize(t *testing.T) {
	h := newTestHandler(t)
	resp := handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ServerInfo      ServerInfo     `json:"serverInfo"`
		Capabilities    map[string]any `json:"capabilities"`
		SessionID       string         `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, ServerInfo{Name: "test", Version: Version}, result.ServerInfo)
	assert.Contains(t, result.Capabilities, "tools")
	assert.Equal(t, h.SessionID(), result.SessionID)
}

func TestHandlePing(t *testing.T) {
	h := newTestHandler(t)
	resp := handle(t, h, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
	assert.Equal(t, `"p"`, string(resp.ID))
}

func TestHandleToolsList(t *testing.T) {
	h := newTestHandler(t)
	resp := handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	var list struct {
		Tools []tool.Descriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	names := make([]string, 0, len(list.Tools))
	for _, d := range list.Tools {
		names = append(names, d.Name)
		assert.NotEmpty(t, d.InputSchema, d.Name)
	}
	assert.Equal(t, []string{"add", "echo", "fail", "sleep"}, names)
	assert.JSONEq(t, `{"type":"object"}`, string(list.Tools[1].InputSchema))
	assert.JSONEq(t, string(resp.Result), string(h.ListTools()))
}

func TestHandleToolsCall(t *testing.T) {
	h := newTestHandler(t)

	resp := handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":40}}}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `42`, string(resp.Result))

	// Missing and null arguments are an empty object.
	for _, params := range []string{`{"name":"echo"}`, `{"name":"echo","arguments":null}`} {
		resp = handle(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":`+params+`}`)
		require.Nil(t, resp.Error)
		assert.JSONEq(t, `{}`, string(resp.Result))
	}
}

func TestHandleNotifications(t *testing.T) {
	h := newTestHandler(t)
	for _, msg := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"ping"}`,
		`{"jsonrpc":"2.0","method":"unknown"}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"fail"}}`,
	} {
		out, ok := h.HandleMessage(context.Background(), []byte(msg))
		assert.False(t, ok, msg)
		assert.Nil(t, out, msg)
	}
}

func TestExecute(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	assert.JSONEq(t, `3`, string(h.Execute(ctx, "add", []byte(`{"a":1,"b":2}`))))
	assert.JSONEq(t, `{}`, string(h.Execute(ctx, "echo", nil)))

	var failed struct {
		Error *Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(h.Execute(ctx, "missing", nil), &failed))
	require.NotNil(t, failed.Error)
	assert.Equal(t, CodeToolNotFound, failed.Error.Code)
	assert.Equal(t, "tool_not_found", failed.Error.Data.Kind)
}

func TestProxyNormalisesCBOR(t *testing.T) {
	backend := newFakeBackend()
	backend.addTool("stats", "answers in CBOR", nil, func(context.Context, []byte) ([]byte, error) {
		return envelope.MarshalCBOR(map[string]any{"count": 3, "ok": true})
	})
	connected := connect(t, backend, testConfig())

	out := connected.Handler().Execute(context.Background(), "stats", nil)
	assert.JSONEq(t, `{"count":3,"ok":true}`, string(out))
}

type recordingHook struct {
	name string
	mu   *sync.Mutex
	log  *[]string
	errs []error
}

type ctxKey string

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.mu.Lock()
	*h.log = append(*h.log, "start:"+h.name+":"+info.Method+":"+info.Tool)
	h.mu.Unlock()
	return context.WithValue(ctx, ctxKey(h.name), true), h.name
}

func (h *recordingHook) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, "end:"+token.(string))
	h.errs = append(h.errs, err)
}

type panicHook struct{}

func (panicHook) OnDispatchStart(context.Context, DispatchInfo) (context.Context, HookToken) {
	panic("start")
}

func (panicHook) OnDispatchEnd(context.Context, HookToken, DispatchInfo, error) {
	panic("end")
}

func TestDispatchHooks(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	first := &recordingHook{name: "first", mu: &mu, log: &calls}
	second := &recordingHook{name: "second", mu: &mu, log: &calls}
	h := newTestHandler(t,
		WithDispatchHook(first),
		WithDispatchHook(panicHook{}),
		WithDispatchHook(nil),
		WithDispatchHook(second),
	)

	resp := handle(t, h, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{
		"start:first:tools/call:echo",
		"start:second:tools/call:echo",
		"end:second",
		"end:first",
	}, calls)
	assert.Equal(t, []error{nil}, first.errs)

	resp = handle(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fail"}}`)
	require.NotNil(t, resp.Error)
	require.Len(t, first.errs, 2)
	var rpcErr *Error
	require.ErrorAs(t, first.errs[1], &rpcErr)
	assert.Equal(t, CodeToolFailure, rpcErr.Code)
}

func TestDispatchHookContext(t *testing.T) {
	var seen bool
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("hookctx", "reports hook context",
		tool.Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			seen, _ = ctx.Value(ctxKey("outer")).(bool)
			return json.RawMessage(`null`), nil
		})))
	var mu sync.Mutex
	var calls []string
	h := NewHandler(tool.NewExecutor(reg), ServerInfo{Name: "test"},
		WithDispatchHook(&recordingHook{name: "outer", mu: &mu, log: &calls}))

	h.Execute(context.Background(), "hookctx", nil)
	assert.True(t, seen)
}

func TestHandleNullID(t *testing.T) {
	h := newTestHandler(t)
	resp := handle(t, h, `{"jsonrpc":"2.0","id":null,"method":"ping"}`)
	assert.Equal(t, "null", string(resp.ID))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestHandleEchoesValidIDs(t *testing.T) {
	h := newTestHandler(t)
	for _, id := range []string{`0`, `-7`, `1.5`, `"req-1"`, `""`} {
		resp := handle(t, h, `{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`)
		assert.Equal(t, id, string(resp.ID))
		assert.Nil(t, resp.Error, id)
	}
}
