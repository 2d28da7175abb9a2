//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// grpcServicePrefix is prepended to method names to form gRPC paths.
const grpcServicePrefix = "/toolrpc/"

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// rawCodec moves payload bytes through gRPC unchanged.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("grpc raw codec: unsupported type %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc raw codec: unsupported type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "toolrpc-raw"
}

func dialGRPC(_ context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, codec: o.codec}, nil
}

type grpcClient struct {
	conn  *grpc.ClientConn
	codec Codec
}

func (c *grpcClient) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	resp, err := c.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	return decodeReply(c.codec, resp, reply)
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	if err := c.conn.Invoke(ctx, grpcServicePrefix+method, payload, &resp); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unknown {
			return nil, &RemoteError{Message: st.Message()}
		}
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) Notify(ctx context.Context, method string, args any) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	var discard []byte
	return c.conn.Invoke(ctx, grpcServicePrefix+method, payload, &discard)
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func listenGRPC(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &grpcServer{
		listener: listener,
		handlers: make(map[string]RawHandler),
		log:      o.log.With().Str("component", "grpc-server").Logger(),
	}
	s.srv = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handleStream),
	)
	return s, nil
}

// grpcServer implements Server by routing every unknown gRPC method to the
// registered raw handlers.
type grpcServer struct {
	listener net.Listener
	srv      *grpc.Server
	mu       sync.RWMutex
	handlers map[string]RawHandler
	log      zerolog.Logger
}

func (s *grpcServer) RegisterRaw(method string, handler RawHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

func (s *grpcServer) handleStream(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method not found in stream context")
	}
	method := strings.TrimPrefix(full, grpcServicePrefix)

	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method: %s", method)
	}

	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil {
		return err
	}
	out, err := handler(stream.Context(), payload)
	if err != nil {
		s.log.Debug().Err(err).Str("method", method).Msg("handler failed")
		return status.Error(codes.Unknown, err.Error())
	}
	return stream.SendMsg(out)
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.srv.GracefulStop)
	defer stop()
	return s.srv.Serve(s.listener)
}

func (s *grpcServer) Close() error {
	s.srv.Stop()
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}
