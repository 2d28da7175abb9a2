// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/luxfi/toolrpc/envelope"
	"github.com/luxfi/toolrpc/tool"
)

// Backend RPC methods.
const (
	MethodHandshake  = "toolrpc.handshake"
	MethodTools      = "toolrpc.tools"
	MethodCallPrefix = "toolrpc.call/"

	// ProtocolVersion is exchanged in the handshake.
	ProtocolVersion = "1"
)

var (
	ErrNotConnected     = errors.New("backend not connected")
	ErrProtocolMismatch = errors.New("backend protocol mismatch")
)

// ToolDescriptor describes a tool offered by a backend.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Metadata is returned by the backend handshake.
type Metadata struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
	Tools    int    `json:"tools"`
}

// BackendConfig selects and tunes the backend connection.
type BackendConfig struct {
	Addr      string
	Transport string
	// DialAttempts bounds dial and handshake attempts; zero means one.
	DialAttempts uint64
	// RetryWait is the initial wait between attempts.
	RetryWait time.Duration
}

// Backend is the remote compute target behind a bridge.
type Backend interface {
	Connect(ctx context.Context, cfg BackendConfig) (Metadata, error)
	RefreshToolList(ctx context.Context) ([]ToolDescriptor, error)
	Call(ctx context.Context, tool string, args []byte) ([]byte, error)
	Close() error
}

type handshakeRequest struct {
	Client   string `json:"client"`
	Protocol string `json:"protocol"`
}

// RemoteBackend implements Backend over a Client.
type RemoteBackend struct {
	opts []DialOption
	log  zerolog.Logger

	mu     sync.RWMutex
	client Client
	meta   Metadata
}

// NewRemoteBackend returns a backend that dials with opts on Connect. The
// transport named in BackendConfig overrides any WithTransport option.
func NewRemoteBackend(log zerolog.Logger, opts ...DialOption) *RemoteBackend {
	return &RemoteBackend{
		opts: opts,
		log:  log.With().Str("component", "backend").Logger(),
	}
}

// Connect dials the backend and performs the handshake, retrying failed
// attempts with exponential backoff.
func (b *RemoteBackend) Connect(ctx context.Context, cfg BackendConfig) (Metadata, error) {
	if cfg.Addr == "" {
		return Metadata{}, errors.New("backend address is empty")
	}
	opts := append([]DialOption{WithLogger(b.log)}, b.opts...)
	if cfg.Transport != "" {
		opts = append(opts, WithTransport(cfg.Transport))
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = retryBaseWait
	}
	attempts := max(cfg.DialAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(wait),
		backoff.WithMaxInterval(retryMaxWait),
		backoff.WithMaxElapsedTime(0),
	), attempts-1), ctx)

	type session struct {
		client Client
		meta   Metadata
	}
	connect := func() (session, error) {
		client, err := Dial(ctx, cfg.Addr, opts...)
		if err != nil {
			if errors.Is(err, ErrUnknownTransport) {
				return session{}, backoff.Permanent(err)
			}
			return session{}, err
		}
		var meta Metadata
		err = controlCall(ctx, client, MethodHandshake, handshakeRequest{Client: "toolrpc", Protocol: ProtocolVersion}, &meta)
		if err != nil {
			_ = client.Close()
			return session{}, fmt.Errorf("handshake: %w", err)
		}
		if meta.Protocol != ProtocolVersion {
			_ = client.Close()
			return session{}, backoff.Permanent(fmt.Errorf("%w: got %q, want %q", ErrProtocolMismatch, meta.Protocol, ProtocolVersion))
		}
		return session{client: client, meta: meta}, nil
	}
	notify := func(err error, next time.Duration) {
		b.log.Warn().Err(err).Str("addr", cfg.Addr).Dur("retry_in", next).Msg("backend connect failed")
	}

	s, err := backoff.RetryNotifyWithData(connect, policy, notify)
	if err != nil {
		return Metadata{}, err
	}

	b.mu.Lock()
	old := b.client
	b.client, b.meta = s.client, s.meta
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	b.log.Info().
		Str("addr", cfg.Addr).
		Str("backend", s.meta.Name).
		Str("version", s.meta.Version).
		Int("tools", s.meta.Tools).
		Msg("backend connected")
	return s.meta, nil
}

func (b *RemoteBackend) current() (Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

// Metadata returns the handshake result of the current connection.
func (b *RemoteBackend) Metadata() Metadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta
}

// controlCall sends a JSON control request and decodes the reply in
// whatever format the server answered with.
func controlCall(ctx context.Context, client Client, method string, args, reply any) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = json.Marshal(args); err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
	}
	resp, err := client.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return nil
	}
	return envelope.FromBytes(resp).Decode(reply)
}

// RefreshToolList fetches the backend's tools.
func (b *RemoteBackend) RefreshToolList(ctx context.Context) ([]ToolDescriptor, error) {
	client, err := b.current()
	if err != nil {
		return nil, err
	}
	var tools []ToolDescriptor
	if err := controlCall(ctx, client, MethodTools, nil, &tools); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return tools, nil
}

// Call invokes a backend tool with JSON arguments. The result may be JSON
// or CBOR.
func (b *RemoteBackend) Call(ctx context.Context, name string, args []byte) ([]byte, error) {
	client, err := b.current()
	if err != nil {
		return nil, err
	}
	return client.CallRaw(ctx, MethodCallPrefix+name, args)
}

// Close drops the connection. The backend can be connected again.
func (b *RemoteBackend) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.meta = Metadata{}
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// BackendService is a tool set exported by ServeBackend.
type BackendService interface {
	Metadata() Metadata
	Tools() []ToolDescriptor
	CallTool(ctx context.Context, name string, args []byte) ([]byte, error)
}

// ServeBackend registers svc's handshake, tool list and every current tool
// on srv. Tools added to svc afterwards need another ServeBackend call.
func ServeBackend(srv Server, svc BackendService) error {
	codec := JSONCodec{}
	if err := srv.RegisterRaw(MethodHandshake, func(_ context.Context, payload []byte) ([]byte, error) {
		var req handshakeRequest
		if len(payload) > 0 {
			if err := envelope.FromBytes(payload).Decode(&req); err != nil {
				return nil, fmt.Errorf("decode handshake: %w", err)
			}
		}
		if req.Protocol != "" && req.Protocol != ProtocolVersion {
			return nil, fmt.Errorf("%w: client %q speaks %q", ErrProtocolMismatch, req.Client, req.Protocol)
		}
		meta := svc.Metadata()
		meta.Protocol = ProtocolVersion
		return codec.Encode(meta)
	}); err != nil {
		return err
	}
	if err := srv.RegisterRaw(MethodTools, func(context.Context, []byte) ([]byte, error) {
		tools := svc.Tools()
		if tools == nil {
			tools = []ToolDescriptor{}
		}
		return codec.Encode(tools)
	}); err != nil {
		return err
	}
	for _, t := range svc.Tools() {
		name := t.Name
		if err := srv.RegisterRaw(MethodCallPrefix+name, func(ctx context.Context, payload []byte) ([]byte, error) {
			return svc.CallTool(ctx, name, payload)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ExecutorService exports the tools of an executor's registry.
type ExecutorService struct {
	Name    string
	Version string
	Exec    *tool.Executor
}

func (s *ExecutorService) Metadata() Metadata {
	return Metadata{
		Name:     s.Name,
		Version:  s.Version,
		Protocol: ProtocolVersion,
		Tools:    s.Exec.Registry().Len(),
	}
}

func (s *ExecutorService) Tools() []ToolDescriptor {
	list := s.Exec.Registry().List()
	out := make([]ToolDescriptor, len(list))
	for i, d := range list {
		out[i] = ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	return out
}

func (s *ExecutorService) CallTool(ctx context.Context, name string, args []byte) ([]byte, error) {
	return s.Exec.Execute(ctx, name, args, 0)
}
