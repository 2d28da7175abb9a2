// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/envelope"
	"github.com/luxfi/toolrpc/tool"
)

// proxyTool forwards calls to the backend. Results may arrive as JSON or
// CBOR and are handed to the executor as JSON.
func proxyTool(backend toolrpc.Backend, name string) tool.Func {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		out, err := backend.Call(ctx, name, args)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		converted, err := envelope.FromBytes(out).ToJSON()
		if err != nil {
			return nil, fmt.Errorf("backend result: %w", err)
		}
		return converted, nil
	}
}
