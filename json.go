// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	rpc "github.com/gorilla/rpc/v2/json2"
	"github.com/rs/zerolog"

	"github.com/luxfi/toolrpc/envelope"
	"github.com/luxfi/toolrpc/pool"
	"github.com/luxfi/toolrpc/stream"
)

const (
	// DefaultJSONPath is the HTTP path used when the address has no URL.
	DefaultJSONPath = "/rpc"

	retryBaseWait = 100 * time.Millisecond
	retryMaxWait  = 2 * time.Second
)

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true, // Disable connection reuse to avoid EOF issues
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	// Drain any remaining data to allow connection reuse
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// EOF errors are often transient connection issues
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	// Connection reset/refused are also transient
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Option configures a single JSON-RPC request
type Option func(*Options)

// Options holds per-request settings for SendJSONRequest
type Options struct {
	headers     http.Header
	queryParams url.Values
	retries     uint64
	client      *http.Client
	log         zerolog.Logger
}

// NewOptions applies options over the defaults
func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     make(http.Header),
		queryParams: make(url.Values),
		retries:     3,
		log:         zerolog.Nop(),
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

// WithHeader adds a request header
func WithHeader(key, value string) Option {
	return func(o *Options) { o.headers.Add(key, value) }
}

// WithQueryParam adds a URL query parameter
func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// WithMaxRetries sets how many times a transient failure is retried
func WithMaxRetries(n uint64) Option {
	return func(o *Options) { o.retries = n }
}

// WithHTTPClient sets the HTTP client used for the request
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) { o.client = c }
}

// WithRequestLogger sets the logger for retry diagnostics
func WithRequestLogger(log zerolog.Logger) Option {
	return func(o *Options) { o.log = log }
}

func newRetryBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryBaseWait),
		backoff.WithMaxInterval(retryMaxWait),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// SendJSONRequest issues a JSON-RPC 2.0 call over HTTP POST and decodes
// the result into reply. Transient transport failures are retried with
// exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params any,
	reply any,
	options ...Option,
) error {
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	return postJSON(ctx, uri, requestBodyBytes, func(body io.Reader) error {
		if err := rpc.DecodeClientResponse(body, reply); err != nil {
			var rpcErr *rpc.Error
			if errors.As(err, &rpcErr) || errors.Is(err, rpc.ErrNullResult) {
				return err
			}
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}, options...)
}

// postJSON posts body and hands the buffered response to decode.
func postJSON(ctx context.Context, uri *url.URL, body []byte, decode func(io.Reader) error, options ...Option) error {
	ops := NewOptions(options)
	target := *uri
	if len(ops.queryParams) > 0 {
		target.RawQuery = ops.queryParams.Encode()
	}
	client := ops.client
	if client == nil {
		client = newHTTPClient(30 * time.Second)
	}
	log := ops.log.With().Str("url", target.String()).Logger()

	// Response buffers of every attempt borrow from one pool.
	buffers := pool.New()
	attempt := 0
	operation := func() error {
		attempt++
		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(request)
		if err != nil {
			if isRetryableError(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to issue request: %w", err))
		}
		if attempt > 1 {
			log.Debug().Int("attempt", attempt).Msg("request succeeded after retry")
		}

		// Return an error for any non successful status code
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			err := fmt.Errorf("received status code: %d", resp.StatusCode)
			if isRetryableStatus(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		buf := stream.New(stream.WithChunkSize(stream.ChunkSmall), stream.WithPool(buffers))
		defer buf.Release()
		if resp.ContentLength > 0 {
			buf.SetTotalSize(resp.ContentLength)
		}
		_, err = io.Copy(buf, resp.Body)
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			if isRetryableError(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to read response: %w", err))
		}
		buf.Finish()
		if err := decode(buf); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, newRetryBackOff(ctx, ops.retries), notify); err != nil {
		if attempt > 1 && isRetryableError(err) {
			return fmt.Errorf("failed to issue request after %d attempts: %w", attempt, err)
		}
		return err
	}
	return nil
}

// jsonEndpoint turns a dial address into an RPC URL.
func jsonEndpoint(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr + DefaultJSONPath
	}
	return url.Parse(addr)
}

func dialJSON(_ context.Context, addr string, o *dialOptions) (Client, error) {
	uri, err := jsonEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("json dial: %w", err)
	}
	return &jsonClient{
		uri:     uri,
		http:    newHTTPClient(o.timeout),
		retries: o.retries,
		log:     o.log.With().Str("component", "json-client").Logger(),
	}, nil
}

// jsonClient implements Client using JSON-RPC over HTTP. Payloads are
// always JSON, so the dial codec does not apply.
type jsonClient struct {
	uri     *url.URL
	http    *http.Client
	retries uint64
	log     zerolog.Logger
}

func (c *jsonClient) options() []Option {
	return []Option{
		WithHTTPClient(c.http),
		WithMaxRetries(c.retries),
		WithRequestLogger(c.log),
	}
}

func (c *jsonClient) Call(ctx context.Context, method string, args, reply any) error {
	if reply == nil {
		var discard stdjson.RawMessage
		reply = &discard
	}
	err := SendJSONRequest(ctx, c.uri, method, args, reply, c.options()...)
	if errors.Is(err, rpc.ErrNullResult) {
		return nil
	}
	return err
}

// CallRaw sends payload, which must be JSON, as the request params and
// returns the raw result.
func (c *jsonClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var params any
	if len(payload) > 0 {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("json transport: payload for %s is not JSON", method)
		}
		params = stdjson.RawMessage(payload)
	}
	var result stdjson.RawMessage
	err := SendJSONRequest(ctx, c.uri, method, params, &result, c.options()...)
	if errors.Is(err, rpc.ErrNullResult) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

type jsonNotification struct {
	Version string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notify sends a request without an id; the server does not answer it.
func (c *jsonClient) Notify(ctx context.Context, method string, args any) error {
	body, err := json.Marshal(jsonNotification{Version: rpc.Version, Method: method, Params: args})
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	return postJSON(ctx, c.uri, body, func(io.Reader) error { return nil }, c.options()...)
}

func (c *jsonClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func listenJSON(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newJSONServer(listener, o), nil
}

func newJSONServer(listener net.Listener, o *serverOptions) *jsonServer {
	s := &jsonServer{
		listener: listener,
		codec:    rpc.NewCodec(),
		handlers: make(map[string]RawHandler),
		log:      o.log.With().Str("component", "json-server").Logger(),
	}
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// jsonServer implements Server using JSON-RPC over HTTP
type jsonServer struct {
	listener net.Listener
	srv      *http.Server
	codec    *rpc.Codec
	mu       sync.RWMutex
	handlers map[string]RawHandler
	log      zerolog.Logger
}

func (s *jsonServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

func (s *jsonServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "rpc: POST method required", http.StatusMethodNotAllowed)
		return
	}
	req := s.codec.NewRequest(r)
	method, err := req.Method()
	if err != nil {
		req.WriteError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		req.WriteError(w, http.StatusBadRequest, &rpc.Error{
			Code:    rpc.E_NO_METHOD,
			Message: "unknown method: " + method,
		})
		return
	}

	var params stdjson.RawMessage
	if err := req.ReadRequest(&params); err != nil {
		req.WriteError(w, http.StatusBadRequest, err)
		return
	}
	out, err := handler(r.Context(), params)
	if err != nil {
		req.WriteError(w, http.StatusOK, &rpc.Error{Code: rpc.E_SERVER, Message: err.Error()})
		return
	}
	if len(out) == 0 {
		req.WriteResponse(w, stdjson.RawMessage("null"))
		return
	}
	// Handlers may answer in CBOR; the wire carries JSON.
	result, err := envelope.FromBytes(out).ToJSON()
	if err != nil {
		s.log.Warn().Err(err).Str("method", method).Msg("handler result is not convertible to JSON")
		req.WriteError(w, http.StatusOK, &rpc.Error{Code: rpc.E_INTERNAL, Message: err.Error()})
		return
	}
	req.WriteResponse(w, stdjson.RawMessage(result))
}

func (s *jsonServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *jsonServer) Close() error {
	err := s.srv.Close()
	if lerr := s.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}

func (s *jsonServer) Addr() string {
	return s.listener.Addr().String()
}
