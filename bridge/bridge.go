// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge exposes the tools of a remote backend over JSON-RPC 2.0.
//
// A bridge moves through three phases, each its own type:
//
//	idle := bridge.New(backend)
//	connected, err := idle.Connect(ctx, cfg)     // handshake, load tools
//	serving, err := connected.Serve(os.Stdin, os.Stdout)
//	err = serving.Run(ctx)                        // until ctx ends or input ends
//	connected, err = serving.Shutdown(ctx)        // back to Connected
//	idle, err = connected.Disconnect()
//
// Only the operations valid in a phase exist on its type. A value whose
// transition already happened is stale, and every operation on it returns
// ErrInvalidStateTransition.
package bridge

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/pool"
	"github.com/luxfi/toolrpc/stream"
	"github.com/luxfi/toolrpc/tool"
)

// phase guards one lifecycle value.
type phase struct {
	mu    sync.Mutex
	stale bool
}

// do runs fn while the value is current.
func (p *phase) do(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale {
		return ErrInvalidStateTransition
	}
	return fn()
}

// transition runs fn while the value is current and marks it stale when
// fn succeeds.
func (p *phase) transition(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale {
		return ErrInvalidStateTransition
	}
	if err := fn(); err != nil {
		return err
	}
	p.stale = true
	return nil
}

func (p *phase) check() error {
	return p.do(func() error { return nil })
}

// core is shared by every phase of one bridge.
type core struct {
	id      string
	backend toolrpc.Backend
	opts    *options
	log     zerolog.Logger
}

// Idle is a bridge without a backend connection.
type Idle struct {
	phase
	core *core
}

// New returns an idle bridge for backend.
func New(backend toolrpc.Backend, opts ...Option) *Idle {
	o := newOptions(opts)
	id := uuid.NewString()
	return &Idle{core: &core{
		id:      id,
		backend: backend,
		opts:    o,
		log:     o.log.With().Str("component", "bridge").Str("bridge_id", id).Logger(),
	}}
}

// ID identifies the bridge across its phases.
func (i *Idle) ID() string {
	return i.core.id
}

// Connect validates cfg, performs the backend handshake and registers a
// proxy for every remote tool. On failure the Idle value stays usable.
func (i *Idle) Connect(ctx context.Context, cfg Config) (*Connected, error) {
	var next *Connected
	err := i.transition(func() error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		sess, err := i.core.connect(ctx, cfg)
		if err != nil {
			return err
		}
		next = &Connected{core: i.core, sess: sess}
		return nil
	})
	return next, err
}

// session is the state built by Connect.
type session struct {
	cfg     Config
	meta    toolrpc.Metadata
	reg     *tool.Registry
	exec    *tool.Executor
	handler *Handler

	feedMu sync.Mutex
	feed   *feed
}

// feed copies one input reader into a stream buffer. It belongs to the
// session, so serving the same reader again continues from the bytes the
// earlier Serving value already took off it.
type feed struct {
	in    io.Reader
	input *stream.Buffer
	once  sync.Once
}

// feedFor returns the feed of in, replacing the current one when it reads
// from another reader.
func (s *session) feedFor(in io.Reader, log zerolog.Logger) *feed {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feed != nil && sameReader(s.feed.in, in) {
		return s.feed
	}
	if s.feed != nil {
		log.Debug().Int("buffered", s.feed.input.Buffered()).Msg("replacing input")
	}
	s.feed = &feed{
		in: in,
		// The pump is the only producer, so the pool belongs to it.
		input: stream.New(stream.WithChunkSize(stream.ChunkSmall), stream.WithPool(pool.New())),
	}
	return s.feed
}

func sameReader(a, b io.Reader) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

// start launches the pump once.
func (f *feed) start(log zerolog.Logger) {
	f.once.Do(func() { go f.pump(log) })
}

// pump copies the reader into the stream buffer until it ends.
func (f *feed) pump(log zerolog.Logger) {
	_, err := io.Copy(f.input, f.in)
	if err != nil {
		log.Debug().Err(err).Msg("input closed")
	}
	f.input.Finish()
}

// drained reports whether the reader ended and every byte was consumed.
// The pump is done with the pool by then, so the storage is handed back.
func (f *feed) drained() bool {
	if !f.input.Finished() || f.input.Buffered() > 0 {
		return false
	}
	f.input.Release()
	return true
}

func (c *core) connect(ctx context.Context, cfg Config) (*session, error) {
	meta, err := c.backend.Connect(ctx, toolrpc.BackendConfig{
		Addr:         cfg.BackendAddr,
		Transport:    cfg.Transport,
		DialAttempts: cfg.DialAttempts,
	})
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.BackendAddr, Err: err}
	}

	execOpts := append([]tool.ExecutorOption{
		tool.WithCache(cfg.Cache),
		tool.WithDefaultDeadline(cfg.Deadline),
		tool.WithLogger(c.log),
	}, c.opts.execOpts...)
	reg := tool.NewRegistry()
	sess := &session{
		cfg:  cfg,
		meta: meta,
		reg:  reg,
		exec: tool.NewExecutor(reg, execOpts...),
	}
	if err := c.loadTools(ctx, sess); err != nil {
		_ = c.backend.Close()
		return nil, &ConnectionError{Addr: cfg.BackendAddr, Err: err}
	}
	server := ServerInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}
	sess.handler = newHandler(sess.exec, server, &sess.meta, c.opts)

	c.log.Info().
		Str("backend", meta.Name).
		Str("backend_version", meta.Version).
		Int("tools", reg.Len()).
		Str("session", sess.handler.SessionID()).
		Msg("connected")
	return sess, nil
}

// loadTools syncs the registry with the backend's tool list. Tools the
// backend no longer offers are removed and their cached results dropped.
func (c *core) loadTools(ctx context.Context, sess *session) error {
	tools, err := c.backend.RefreshToolList(ctx)
	if err != nil {
		return fmt.Errorf("load tools: %w", err)
	}
	offered := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		offered[t.Name] = struct{}{}
		impl := proxyTool(c.backend, t.Name)
		var regOpts []tool.RegisterOption
		if len(t.InputSchema) > 0 {
			regOpts = append(regOpts, tool.WithInputSchema(t.InputSchema))
		}
		err := sess.reg.Register(t.Name, t.Description, impl, regOpts...)
		if err != nil && len(regOpts) > 0 {
			c.log.Warn().Err(err).Str("tool", t.Name).Msg("ignoring unusable input schema")
			err = sess.reg.Register(t.Name, t.Description, impl)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("tool", t.Name).Msg("skipping tool")
			continue
		}
		sess.exec.InvalidateTool(t.Name)
	}
	for _, d := range sess.reg.List() {
		if _, ok := offered[d.Name]; !ok {
			sess.reg.Unregister(d.Name)
			sess.exec.InvalidateTool(d.Name)
		}
	}
	return nil
}

// Connected is a bridge with a live backend session.
type Connected struct {
	phase
	core *core
	sess *session
}

// Handler returns the protocol handler of the session.
func (c *Connected) Handler() *Handler {
	return c.sess.handler
}

// Executor returns the executor of the session.
func (c *Connected) Executor() *tool.Executor {
	return c.sess.exec
}

// Metadata returns the backend handshake result.
func (c *Connected) Metadata() toolrpc.Metadata {
	return c.sess.meta
}

// Config returns the config the session was connected with.
func (c *Connected) Config() Config {
	return c.sess.cfg
}

// Refresh reloads the backend's tool list.
func (c *Connected) Refresh(ctx context.Context) error {
	return c.do(func() error {
		if err := c.core.loadTools(ctx, c.sess); err != nil {
			return &ConnectionError{Addr: c.sess.cfg.BackendAddr, Err: err}
		}
		c.core.log.Debug().Int("tools", c.sess.reg.Len()).Msg("tool list refreshed")
		return nil
	})
}

// Serve binds the I/O channel. Nothing is read before Run.
func (c *Connected) Serve(in io.Reader, out io.Writer) (*Serving, error) {
	var next *Serving
	err := c.transition(func() error {
		if in == nil || out == nil {
			return fmt.Errorf("bridge: serve needs both input and output")
		}
		next = &Serving{
			core: c.core,
			sess: c.sess,
			feed: c.sess.feedFor(in, c.core.log),
			out:  &lineWriter{out: out},
		}
		return nil
	})
	return next, err
}

// Disconnect closes the backend session.
func (c *Connected) Disconnect() (*Idle, error) {
	var next *Idle
	err := c.transition(func() error {
		if err := c.core.backend.Close(); err != nil {
			c.core.log.Warn().Err(err).Msg("closing backend")
		}
		c.core.log.Info().Msg("disconnected")
		next = &Idle{core: c.core}
		return nil
	})
	return next, err
}

// Serving is a bridge bound to an I/O channel.
type Serving struct {
	phase
	core *core
	sess *session
	feed *feed
	out  *lineWriter

	runMu   sync.Mutex
	closing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Handler returns the protocol handler of the session.
func (s *Serving) Handler() *Handler {
	return s.sess.handler
}

// Run processes messages until ctx is cancelled, Shutdown is called or the
// input ends. In-flight dispatches are completed before it returns.
func (s *Serving) Run(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.runMu.Lock()
	switch {
	case s.closing:
		s.runMu.Unlock()
		return ErrInvalidStateTransition
	case s.done != nil:
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.runMu.Unlock()

	defer func() {
		cancel()
		s.runMu.Lock()
		s.cancel, s.done = nil, nil
		s.runMu.Unlock()
		close(done)
	}()

	s.feed.start(s.core.log)
	err := s.sess.serve(ctx, s.feed.input, s.out, s.core.log)
	if err == nil && s.feed.drained() {
		s.core.log.Debug().Msg("input drained")
	}
	return err
}

// Shutdown stops Run, waits for in-flight work and returns to Connected.
// When ctx ends first the value stays Serving and Shutdown may be retried.
func (s *Serving) Shutdown(ctx context.Context) (*Connected, error) {
	var next *Connected
	err := s.transition(func() error {
		s.runMu.Lock()
		s.closing = true
		cancel, done := s.cancel, s.done
		s.runMu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				s.runMu.Lock()
				s.closing = false
				s.runMu.Unlock()
				return fmt.Errorf("bridge: shutdown: %w", ctx.Err())
			}
		}
		next = &Connected{core: s.core, sess: s.sess}
		return nil
	})
	return next, err
}
