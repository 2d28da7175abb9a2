// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"github.com/rs/zerolog"

	"github.com/luxfi/toolrpc/tool"
)

// Option configures a bridge or a handler.
type Option func(*options)

type options struct {
	log      zerolog.Logger
	hooks    []DispatchHook
	execOpts []tool.ExecutorOption
}

func newOptions(opts []Option) *options {
	o := &options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDispatchHook adds a hook around every dispatch. Hooks run in the
// order they were added.
func WithDispatchHook(h DispatchHook) Option {
	return func(o *options) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// WithExecutorOptions passes extra options to the executor built by
// Connect. They apply after the options derived from Config.
func WithExecutorOptions(opts ...tool.ExecutorOption) Option {
	return func(o *options) { o.execOpts = append(o.execOpts, opts...) }
}
