// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package toolrpc

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownTransport is returned when no transport of the requested name
// is registered.
var ErrUnknownTransport = errors.New("unknown transport")

// Dial connects to an RPC server using the default transport (ZAP).
// Use WithTransport for transport selection.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := newDialOptions(opts)
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen creates an RPC server listener using the default transport (ZAP).
func Listen(addr string, opts ...ServerOption) (Server, error) {
	o := newServerOptions(opts)
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.listen(addr, o)
}

// encodeArgs encodes call arguments with the codec. Nil arguments produce
// an empty payload.
func encodeArgs(codec Codec, args any) ([]byte, error) {
	if args == nil {
		return nil, nil
	}
	payload, err := codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return payload, nil
}

// decodeReply decodes a call result into reply, when both are present.
func decodeReply(codec Codec, resp []byte, reply any) error {
	if reply == nil || len(resp) == 0 {
		return nil
	}
	if err := codec.Decode(resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
