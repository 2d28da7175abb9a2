// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"

	"github.com/rs/zerolog"
)

// DispatchInfo describes one dispatched message.
type DispatchInfo struct {
	// DispatchID is unique per dispatch.
	DispatchID string
	// RequestID is the JSON text of the request id, empty for
	// notifications.
	RequestID string
	Method    string
	// Tool is set for tools/call.
	Tool      string
	SessionID string
}

// HookToken is returned by OnDispatchStart and handed back to
// OnDispatchEnd. Only meaningful to the hook that created it.
type HookToken any

// DispatchHook observes every dispatch. Panics in a hook are recovered and
// logged; they never fail the call.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	// OnDispatchEnd receives the *Error the call failed with, or nil.
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, err error)
}

// hookChain runs hooks in order on start and in reverse order on end.
type hookChain struct {
	hooks []DispatchHook
	log   zerolog.Logger
}

func (c *hookChain) start(ctx context.Context, info DispatchInfo) (context.Context, []HookToken) {
	if len(c.hooks) == 0 {
		return ctx, nil
	}
	tokens := make([]HookToken, len(c.hooks))
	for i, h := range c.hooks {
		ctx, tokens[i] = c.safeStart(ctx, h, info)
	}
	return ctx, tokens
}

func (c *hookChain) safeStart(ctx context.Context, h DispatchHook, info DispatchInfo) (next context.Context, token HookToken) {
	next = ctx
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", info.Method).Msg("dispatch hook panicked on start")
			next, token = ctx, nil
		}
	}()
	next, token = h.OnDispatchStart(ctx, info)
	if next == nil {
		next = ctx
	}
	return next, token
}

func (c *hookChain) end(ctx context.Context, tokens []HookToken, info DispatchInfo, rpcErr *Error) {
	var err error
	if rpcErr != nil {
		err = rpcErr
	}
	for i := len(c.hooks) - 1; i >= 0; i-- {
		c.safeEnd(ctx, c.hooks[i], tokens[i], info, err)
	}
}

func (c *hookChain) safeEnd(ctx context.Context, h DispatchHook, token HookToken, info DispatchInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", info.Method).Msg("dispatch hook panicked on end")
		}
	}()
	h.OnDispatchEnd(ctx, token, info, err)
}
