// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

var (
	ErrZAPClosed      = errors.New("zap: connection closed")
	ErrZAPTimeout     = errors.New("zap: request timeout")
	ErrZAPInvalidResp = errors.New("zap: invalid response")
	ErrZAPFrameSize   = errors.New("zap: frame too large")
)

// MaxFrameSize bounds the encoded size of one frame.
const MaxFrameSize = 64 * 1024 * 1024

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04

	// FlagCompressed marks a frame whose payload is zstd-compressed.
	FlagCompressed MessageType = 0x80
)

// RemoteError is an error reported by the peer's handler.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(err)
		}
		return enc
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxFrameSize),
		)
		if err != nil {
			panic(err)
		}
		return dec
	})
)

// frame is one decoded ZAP message.
//
// Wire layout after the 4-byte big-endian length:
//
//	request:  [1 type][4 reqID][2 methodLen][method][payload]
//	response: [1 type][4 reqID][payload]
//	notify:   [1 type][2 methodLen][method][payload]
type frame struct {
	typ     MessageType
	id      uint32
	method  string
	payload []byte
}

// encodeFrame returns the wire bytes of f. Payloads longer than threshold
// are compressed when that makes them smaller; threshold <= 0 disables it.
func encodeFrame(f frame, threshold int) ([]byte, error) {
	typ := f.typ
	payload := f.payload
	if threshold > 0 && len(payload) > threshold {
		if packed := zstdEncoder().EncodeAll(payload, nil); len(packed) < len(payload) {
			payload = packed
			typ |= FlagCompressed
		}
	}

	if len(f.method) > 0xFFFF {
		return nil, fmt.Errorf("zap: method name too long (%d bytes)", len(f.method))
	}
	msgLen := 1 + len(payload)
	switch f.typ {
	case MsgRequest:
		msgLen += 4 + 2 + len(f.method)
	case MsgNotify:
		msgLen += 2 + len(f.method)
	default:
		msgLen += 4
	}
	if msgLen > MaxFrameSize {
		return nil, ErrZAPFrameSize
	}

	buf := make([]byte, 4, 4+msgLen)
	binary.BigEndian.PutUint32(buf, uint32(msgLen))
	buf = append(buf, byte(typ))
	if f.typ != MsgNotify {
		buf = binary.BigEndian.AppendUint32(buf, f.id)
	}
	if f.typ == MsgRequest || f.typ == MsgNotify {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.method)))
		buf = append(buf, f.method...)
	}
	return append(buf, payload...), nil
}

// readFrame reads and decodes the next frame from r.
func readFrame(r io.Reader, header []byte) (frame, error) {
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return frame{}, err
	}
	msgLen := binary.BigEndian.Uint32(header[:4])
	if msgLen == 0 || msgLen > MaxFrameSize {
		return frame{}, ErrZAPFrameSize
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return frame{}, err
	}
	return decodeFrame(msg)
}

func decodeFrame(msg []byte) (frame, error) {
	if len(msg) < 1 {
		return frame{}, ErrZAPInvalidResp
	}
	compressed := MessageType(msg[0])&FlagCompressed != 0
	f := frame{typ: MessageType(msg[0]) &^ FlagCompressed}
	rest := msg[1:]

	if f.typ != MsgNotify {
		if len(rest) < 4 {
			return frame{}, ErrZAPInvalidResp
		}
		f.id = binary.BigEndian.Uint32(rest)
		rest = rest[4:]
	}
	if f.typ == MsgRequest || f.typ == MsgNotify {
		if len(rest) < 2 {
			return frame{}, ErrZAPInvalidResp
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return frame{}, ErrZAPInvalidResp
		}
		f.method = string(rest[:n])
		rest = rest[n:]
	}
	f.payload = rest
	if compressed {
		out, err := zstdDecoder().DecodeAll(rest, nil)
		if err != nil {
			return frame{}, fmt.Errorf("zap: decompress: %w", err)
		}
		f.payload = out
	}
	return f, nil
}

// ZAPConn represents a ZAP connection for RPC
type ZAPConn struct {
	conn      net.Conn
	writeMu   sync.Mutex
	pending   sync.Map // requestID -> chan *ZAPResponse
	nextID    atomic.Uint32
	closed    atomic.Bool
	readDone  chan struct{}
	threshold int
	log       zerolog.Logger
}

// ZAPResponse holds a response from a ZAP call
type ZAPResponse struct {
	Data []byte
	Err  error
}

// ZAPDial connects to a ZAP server
func ZAPDial(ctx context.Context, addr string, opts ...DialOption) (*ZAPConn, error) {
	o := newDialOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:      conn,
		readDone:  make(chan struct{}),
		threshold: o.compressThreshold,
		log:       o.log.With().Str("component", "zap").Str("remote", addr).Logger(),
	}
	go zc.readLoop()
	return zc, nil
}

func (z *ZAPConn) write(f frame) error {
	buf, err := encodeFrame(f, z.threshold)
	if err != nil {
		return err
	}
	z.writeMu.Lock()
	_, err = z.conn.Write(buf)
	z.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("zap write: %w", err)
	}
	return nil
}

// Call makes a ZAP RPC call
func (z *ZAPConn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan *ZAPResponse, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	if err := z.write(frame{typ: MsgRequest, id: requestID, method: method, payload: payload}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Data, nil
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

// Notify sends a one-way notification (no response expected)
func (z *ZAPConn) Notify(ctx context.Context, method string, payload []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return z.write(frame{typ: MsgNotify, method: method, payload: payload})
}

func (z *ZAPConn) readLoop() {
	defer close(z.readDone)

	header := make([]byte, 4)
	for {
		f, err := readFrame(z.conn, header)
		if err != nil {
			if !z.closed.Load() && !errors.Is(err, io.EOF) {
				z.log.Debug().Err(err).Msg("read loop stopped")
			}
			return
		}

		ch, ok := z.pending.Load(f.id)
		if !ok {
			continue
		}
		respCh := ch.(chan *ZAPResponse)
		switch f.typ {
		case MsgResponse:
			respCh <- &ZAPResponse{Data: f.payload}
		case MsgError:
			respCh <- &ZAPResponse{Err: &RemoteError{Message: string(f.payload)}}
		default:
			respCh <- &ZAPResponse{Err: ErrZAPInvalidResp}
		}
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// ZAPServer handles incoming ZAP RPC requests
type ZAPServer struct {
	listener  net.Listener
	handler   ZAPHandler
	conns     sync.Map
	closed    atomic.Bool
	threshold int
	log       zerolog.Logger
}

// ZAPHandler handles ZAP requests
type ZAPHandler interface {
	HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// ZAPHandlerFunc is a function adapter for ZAPHandler
type ZAPHandlerFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

func (f ZAPHandlerFunc) HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// NewZAPServer creates a new ZAP server
func NewZAPServer(listener net.Listener, handler ZAPHandler, opts ...ServerOption) *ZAPServer {
	o := newServerOptions(opts)
	return &ZAPServer{
		listener:  listener,
		handler:   handler,
		threshold: o.compressThreshold,
		log:       o.log.With().Str("component", "zap-server").Logger(),
	}
}

// Serve accepts connections until ctx is cancelled or the server is closed
func (s *ZAPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("zap accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// serverConn serialises writes of concurrent responses.
type serverConn struct {
	net.Conn
	mu sync.Mutex
}

func (s *ZAPServer) handleConn(ctx context.Context, c net.Conn) {
	conn := &serverConn{Conn: c}
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)
	if s.closed.Load() {
		return
	}

	log := s.log.With().Str("remote", c.RemoteAddr().String()).Logger()
	header := make([]byte, 4)
	for {
		f, err := readFrame(conn, header)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				log.Debug().Err(err).Msg("connection dropped")
			}
			return
		}

		switch f.typ {
		case MsgRequest:
			go func() {
				respData, err := s.handler.HandleZAP(ctx, f.method, f.payload)
				if err := s.sendResponse(conn, f.id, respData, err); err != nil {
					log.Debug().Err(err).Str("method", f.method).Msg("send response")
				}
			}()

		case MsgNotify:
			go func() {
				if _, err := s.handler.HandleZAP(ctx, f.method, f.payload); err != nil {
					log.Debug().Err(err).Str("method", f.method).Msg("notification failed")
				}
			}()
		}
	}
}

func (s *ZAPServer) sendResponse(conn *serverConn, requestID uint32, data []byte, err error) error {
	f := frame{typ: MsgResponse, id: requestID, payload: data}
	if err != nil {
		f.typ = MsgError
		f.payload = []byte(err.Error())
	}
	buf, err := encodeFrame(f, s.threshold)
	if err != nil {
		// Report the encoding failure instead of leaving the caller waiting.
		buf, _ = encodeFrame(frame{typ: MsgError, id: requestID, payload: []byte(err.Error())}, 0)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	_, err = conn.Write(buf)
	return err
}

// Close closes the server
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ any) bool {
		_ = key.(*serverConn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// dialZAP creates a ZAP client
func dialZAP(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := ZAPDial(ctx, addr,
		WithCompressThreshold(o.compressThreshold),
		WithLogger(o.log),
	)
	if err != nil {
		return nil, err
	}
	return &zapClient{
		conn:  conn,
		codec: o.codec,
	}, nil
}

// listenZAP creates a ZAP server
func listenZAP(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	zs := &zapServer{
		listener: listener,
		handlers: make(map[string]RawHandler),
	}
	zs.server = NewZAPServer(listener, ZAPHandlerFunc(zs.dispatch),
		WithServerCompressThreshold(o.compressThreshold),
		WithServerLogger(o.log),
	)
	return zs, nil
}

// zapClient implements Client using ZAP transport
type zapClient struct {
	conn  *ZAPConn
	codec Codec
}

func (c *zapClient) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	resp, err := c.conn.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	return decodeReply(c.codec, resp, reply)
}

func (c *zapClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.conn.Call(ctx, method, payload)
}

func (c *zapClient) Notify(ctx context.Context, method string, args any) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	return c.conn.Notify(ctx, method, payload)
}

func (c *zapClient) Close() error {
	return c.conn.Close()
}

// zapServer implements Server using ZAP transport
type zapServer struct {
	listener net.Listener
	mu       sync.RWMutex
	handlers map[string]RawHandler
	server   *ZAPServer
}

func (s *zapServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

func (s *zapServer) dispatch(ctx context.Context, method string, payload []byte) ([]byte, error) {
	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}
	return handler(ctx, payload)
}

func (s *zapServer) Serve(ctx context.Context) error {
	return s.server.Serve(ctx)
}

func (s *zapServer) Close() error {
	return s.server.Close()
}

func (s *zapServer) Addr() string {
	return s.listener.Addr().String()
}
