// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Future yields exactly one Result.
type Future <-chan Result

// Implementation is the capability behind a registered tool. Start must not
// block; the invocation completes when the returned Future yields.
//
// Cancellation is cooperative: ctx carries the call deadline, and an
// implementation that ignores it simply has its late result discarded.
type Implementation interface {
	Start(ctx context.Context, args json.RawMessage) Future
}

// Func adapts a blocking function. Every call runs on its own goroutine.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f Func) Start(ctx context.Context, args json.RawMessage) Future {
	ch := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Result{Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := f(ctx, args)
		ch <- Result{Value: v, Err: err}
	}()
	return ch
}

// AsyncFunc adapts a function that already returns a future.
type AsyncFunc func(ctx context.Context, args json.RawMessage) Future

func (f AsyncFunc) Start(ctx context.Context, args json.RawMessage) Future {
	return f(ctx, args)
}

// Resolved returns a Future that has already completed.
func Resolved(v json.RawMessage, err error) Future {
	ch := make(chan Result, 1)
	ch <- Result{Value: v, Err: err}
	return ch
}
