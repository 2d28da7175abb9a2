// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/tool"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolFailure  = -32000
	CodeToolNotFound = -32001
	CodeTimeout      = -32002
)

// Protocol methods.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	notificationPrefix = "notifications/"
)

const jsonrpcVersion = "2.0"

var (
	nullID     = json.RawMessage("null")
	emptyArgs  = json.RawMessage("{}")
	openSchema = json.RawMessage(`{"type":"object"}`)

	// fallbackResponse is written when a response cannot be encoded.
	fallbackResponse = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
)

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ErrorData is attached to execution errors.
type ErrorData struct {
	Kind string `json:"kind"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func newError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// executionError maps an executor failure to its protocol error.
func executionError(err error) *Error {
	var execErr *tool.ExecutionError
	if !errors.As(err, &execErr) {
		return newError(CodeInternalError, "internal error: %v", err)
	}
	e := &Error{Message: execErr.Error(), Data: &ErrorData{Kind: execErr.Kind.String()}}
	switch execErr.Kind {
	case tool.KindToolNotFound:
		e.Code = CodeToolNotFound
	case tool.KindInvalidArguments:
		e.Code = CodeInvalidParams
	case tool.KindTimeout:
		e.Code = CodeTimeout
	default:
		e.Code = CodeToolFailure
	}
	return e
}

// ServerInfo identifies the bridge in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string            `json:"protocolVersion"`
	ServerInfo      ServerInfo        `json:"serverInfo"`
	Capabilities    map[string]any    `json:"capabilities"`
	SessionID       string            `json:"sessionId"`
	Backend         *toolrpc.Metadata `json:"backend,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type toolList struct {
	Tools []tool.Descriptor `json:"tools"`
}

// Handler speaks JSON-RPC 2.0 on top of an executor. It is safe for
// concurrent use.
type Handler struct {
	exec      *tool.Executor
	server    ServerInfo
	backend   *toolrpc.Metadata
	sessionID string
	hooks     hookChain
	log       zerolog.Logger
}

// NewHandler returns a handler dispatching to exec. Executor options are
// ignored.
func NewHandler(exec *tool.Executor, server ServerInfo, opts ...Option) *Handler {
	o := newOptions(opts)
	return newHandler(exec, server, nil, o)
}

func newHandler(exec *tool.Executor, server ServerInfo, backend *toolrpc.Metadata, o *options) *Handler {
	log := o.log.With().Str("component", "handler").Logger()
	return &Handler{
		exec:      exec,
		server:    server,
		backend:   backend,
		sessionID: uuid.NewString(),
		hooks:     hookChain{hooks: o.hooks, log: log},
		log:       log,
	}
}

// SessionID identifies this handler in initialize results and dispatch
// info.
func (h *Handler) SessionID() string {
	return h.sessionID
}

// HandleMessage processes one JSON-RPC message and returns the encoded
// response. It reports false for notifications, which get no response.
// Malformed input always produces an error response.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) ([]byte, bool) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return h.encode(Response{ID: nullID, Error: newError(CodeParseError, "parse error")}), true
	}
	if raw[0] != '{' {
		return h.encode(Response{ID: nullID, Error: newError(CodeInvalidRequest, "invalid request: expected an object")}), true
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return h.encode(Response{ID: nullID, Error: newError(CodeInvalidRequest, "invalid request: %v", err)}), true
	}
	if len(req.ID) == 0 && hasID(raw) {
		req.ID = nullID
	}
	notification := len(req.ID) == 0
	id := req.ID
	if notification {
		id = nullID
	}
	switch {
	case !validID(id):
		return h.encode(Response{ID: nullID, Error: newError(CodeInvalidRequest, "invalid request: id must be a string, number or null")}), true
	case req.JSONRPC != jsonrpcVersion:
		return h.encode(Response{ID: id, Error: newError(CodeInvalidRequest, "invalid request: jsonrpc must be %q", jsonrpcVersion)}), true
	case req.Method == "":
		return h.encode(Response{ID: id, Error: newError(CodeInvalidRequest, "invalid request: method is required")}), true
	}

	info := DispatchInfo{
		DispatchID: uuid.NewString(),
		Method:     req.Method,
		SessionID:  h.sessionID,
	}
	if !notification {
		info.RequestID = string(req.ID)
	}
	var params callParams
	var paramsErr error
	if req.Method == MethodToolsCall {
		paramsErr = decodeCallParams(req.Params, &params)
		info.Tool = params.Name
	}

	hookCtx, tokens := h.hooks.start(ctx, info)
	result, rpcErr := h.dispatch(hookCtx, &req, notification, params, paramsErr)
	h.hooks.end(hookCtx, tokens, info, rpcErr)

	if notification {
		if rpcErr != nil {
			h.log.Debug().Str("method", req.Method).Str("error", rpcErr.Message).Msg("notification failed")
		}
		return nil, false
	}
	if rpcErr != nil {
		return h.encode(Response{ID: id, Error: rpcErr}), true
	}
	return h.encode(Response{ID: id, Result: result}), true
}

// validID reports whether id is a string, a number or null.
func validID(id json.RawMessage) bool {
	switch c := id[0]; {
	case c == '"', c == '-', c == 'n':
		return true
	default:
		return c >= '0' && c <= '9'
	}
}

// hasID reports whether the message object has an id member, which may be
// null.
func hasID(raw []byte) bool {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return false
	}
	_, ok := members["id"]
	return ok
}

func (h *Handler) dispatch(ctx context.Context, req *Request, notification bool, params callParams, paramsErr error) (json.RawMessage, *Error) {
	switch req.Method {
	case MethodInitialize:
		return h.initialize()
	case MethodPing:
		return json.RawMessage("{}"), nil
	case MethodToolsList:
		return h.ListTools(), nil
	case MethodToolsCall:
		if paramsErr != nil {
			return nil, newError(CodeInvalidParams, "invalid params: %v", paramsErr)
		}
		return h.call(ctx, params.Name, params.Arguments)
	}
	if notification && strings.HasPrefix(req.Method, notificationPrefix) {
		return nil, nil
	}
	return nil, newError(CodeMethodNotFound, "method not found: %s", req.Method)
}

func decodeCallParams(raw json.RawMessage, p *callParams) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return errors.New("params must be an object")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return err
	}
	if p.Name == "" {
		return errors.New("name is required")
	}
	if args := bytes.TrimSpace(p.Arguments); len(args) == 0 || bytes.Equal(args, nullID) {
		p.Arguments = emptyArgs
	}
	return nil
}

func (h *Handler) initialize() (json.RawMessage, *Error) {
	out, err := json.Marshal(initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      h.server,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		SessionID:       h.sessionID,
		Backend:         h.backend,
	})
	if err != nil {
		return nil, newError(CodeInternalError, "internal error: %v", err)
	}
	return out, nil
}

func (h *Handler) call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *Error) {
	out, err := h.exec.Execute(ctx, name, args, 0)
	if err != nil {
		return nil, executionError(err)
	}
	return out, nil
}

// ListTools returns {"tools":[{name, description, inputSchema}]} for every
// registered tool, sorted by name.
func (h *Handler) ListTools() []byte {
	list := h.exec.Registry().List()
	for i := range list {
		if len(list[i].InputSchema) == 0 {
			list[i].InputSchema = openSchema
		}
	}
	out, err := json.Marshal(toolList{Tools: list})
	if err != nil {
		h.log.Error().Err(err).Msg("encode tool list")
		return []byte(`{"tools":[]}`)
	}
	return out
}

// Execute runs a tool and returns its JSON result, or {"error":{...}} with
// the protocol error when the call fails.
func (h *Handler) Execute(ctx context.Context, name string, args []byte) []byte {
	if len(bytes.TrimSpace(args)) == 0 {
		args = emptyArgs
	}
	info := DispatchInfo{
		DispatchID: uuid.NewString(),
		Method:     MethodToolsCall,
		Tool:       name,
		SessionID:  h.sessionID,
	}
	hookCtx, tokens := h.hooks.start(ctx, info)
	out, rpcErr := h.call(hookCtx, name, args)
	h.hooks.end(hookCtx, tokens, info, rpcErr)
	if rpcErr != nil {
		b, err := json.Marshal(struct {
			Error *Error `json:"error"`
		}{rpcErr})
		if err != nil {
			return []byte(`{"error":{"code":-32603,"message":"internal error"}}`)
		}
		return b
	}
	return out
}

func (h *Handler) encode(resp Response) []byte {
	resp.JSONRPC = jsonrpcVersion
	out, err := json.Marshal(resp)
	if err != nil {
		h.log.Error().Err(err).Msg("encode response")
		return fallbackResponse
	}
	return out
}
