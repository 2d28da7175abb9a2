// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Client is the protocol-agnostic RPC client interface.
// All application code should use this interface.
type Client interface {
	// Call makes a synchronous RPC call
	Call(ctx context.Context, method string, args, reply any) error

	// CallRaw makes a call with raw bytes (for zero-copy scenarios)
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args any) error

	// Close closes the connection
	Close() error
}

// Server is the protocol-agnostic RPC server interface.
type Server interface {
	// RegisterRaw registers a raw byte handler
	RegisterRaw(method string, handler RawHandler) error

	// Serve starts serving requests (blocks until context cancelled)
	Serve(ctx context.Context) error

	// Close stops the server
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// RawHandler handles raw byte RPC calls (for zero-copy)
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Codec encodes/decodes RPC messages
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// DefaultCompressThreshold is the payload size above which ZAP frames are
// zstd-compressed.
const DefaultCompressThreshold = 64 << 10

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec             Codec
	transport         string // "zap", "grpc", "json"
	compressThreshold int
	timeout           time.Duration
	retries           uint64
	log               zerolog.Logger
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		codec:             defaultCodec,
		transport:         DefaultTransport,
		compressThreshold: DefaultCompressThreshold,
		timeout:           30 * time.Second,
		retries:           3,
		log:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithCompressThreshold sets the ZAP compression threshold. Zero or a
// negative value disables compression.
func WithCompressThreshold(n int) DialOption {
	return func(o *dialOptions) { o.compressThreshold = n }
}

// WithRequestTimeout bounds each HTTP request of the JSON transport.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.timeout = d }
}

// WithRetries sets how many times the JSON transport retries a transient
// failure.
func WithRetries(n uint64) DialOption {
	return func(o *dialOptions) { o.retries = n }
}

// WithLogger sets the client logger
func WithLogger(log zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec             Codec
	transport         string
	compressThreshold int
	log               zerolog.Logger
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		codec:             defaultCodec,
		transport:         DefaultTransport,
		compressThreshold: DefaultCompressThreshold,
		log:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithServerCodec sets a custom codec for the server
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerCompressThreshold sets the ZAP compression threshold for
// responses.
func WithServerCompressThreshold(n int) ServerOption {
	return func(o *serverOptions) { o.compressThreshold = n }
}

// WithServerLogger sets the server logger
func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.log = log }
}
