// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package toolrpc connects tool-calling clients to remote tool backends.
//
// # Transport Selection
//
// ZAP is the default transport: length-prefixed binary frames over TCP,
// with zstd compression for large payloads. JSON-RPC over HTTP is always
// available. Use build tags to enable gRPC:
//
//	go build              # ZAP and JSON
//	go build -tags grpc   # also gRPC
//
// # Usage
//
// Backend side, exporting the tools of an executor:
//
//	srv, err := toolrpc.Listen(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc := &toolrpc.ExecutorService{Name: "calc", Version: "1.0.0", Exec: exec}
//	if err := toolrpc.ServeBackend(srv, svc); err != nil {
//	    log.Fatal(err)
//	}
//	srv.Serve(ctx)
//
// Bridge side:
//
//	b := toolrpc.NewRemoteBackend(logger)
//	meta, err := b.Connect(ctx, toolrpc.BackendConfig{Addr: "localhost:9000"})
//	tools, err := b.RefreshToolList(ctx)
//	out, err := b.Call(ctx, "add", []byte(`{"a":1,"b":2}`))
//
// Backend results may be JSON or CBOR; package envelope detects the format.
//
// # Architecture
//
//   - client.go: Protocol-agnostic Client and Server interfaces
//   - codec.go: JSON, CBOR and pass-through codecs
//   - transport.go: Transport registry for build-tag extensibility
//   - dial.go: Dial and Listen factory functions
//   - zap.go: ZAP transport (default)
//   - json.go: JSON-RPC over HTTP
//   - dial_grpc.go: gRPC transport (requires -tags grpc)
//   - backend.go: Backend contract, RemoteBackend and ServeBackend
//
// Subpackages provide the bridge runtime: bulk (word-wide byte kernels),
// pool (size-classed buffers), stream (chunked input with partial JSON
// decoding), envelope (format-detecting payloads), tool (registry and
// executor) and bridge (the phase-typed server). The toolrpc command in
// cmd/toolrpc runs either side from the shell.
package toolrpc
