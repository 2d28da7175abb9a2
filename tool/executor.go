// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultDeadline applies when neither the call nor the executor sets one.
const DefaultDeadline = 30 * time.Second

var emptyArgs = json.RawMessage(`{}`)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCache enables or disables result caching. Caching is off by default.
func WithCache(enabled bool) ExecutorOption {
	return func(e *Executor) {
		if enabled {
			e.cache = newResultCache()
		} else {
			e.cache = nil
		}
	}
}

// WithDefaultDeadline sets the deadline used when Execute is passed zero.
func WithDefaultDeadline(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.deadline = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(log zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = log
	}
}

// Executor dispatches calls to the tools of a Registry. It is safe for
// concurrent use. The result cache belongs to this executor alone.
type Executor struct {
	reg      *Registry
	cache    *resultCache
	deadline time.Duration
	log      zerolog.Logger
	metrics  metricsRecorder
}

// NewExecutor returns an executor over reg.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		reg:      reg,
		deadline: DefaultDeadline,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "executor").Logger()
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.reg
}

// Execute runs the named tool with JSON arguments. A zero deadline selects
// the executor default. Errors are always *ExecutionError.
//
// When the deadline passes first the call fails with KindTimeout; the
// implementation is not stopped and its eventual result is dropped.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	start := time.Now()
	out, o, err := e.execute(ctx, name, args, deadline)
	latency := time.Since(start)
	e.metrics.record(o, latency)

	if err != nil {
		e.log.Debug().
			Str("tool", name).
			Stringer("kind", err.Kind).
			Dur("latency", latency).
			Err(err.Err).
			Msg("tool call failed")
		return nil, err
	}
	e.log.Trace().
		Str("tool", name).
		Bool("cached", o == outcomeCacheHit).
		Dur("latency", latency).
		Msg("tool call completed")
	return out, nil
}

func (e *Executor) execute(ctx context.Context, name string, args json.RawMessage, deadline time.Duration) (json.RawMessage, outcome, *ExecutionError) {
	reg, ok := e.reg.Lookup(name)
	if !ok {
		return nil, outcomeFailure, newExecutionError(KindToolNotFound, name, nil)
	}

	if len(args) == 0 {
		args = emptyArgs
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, outcomeFailure, newExecutionError(KindInvalidArguments, name, err)
	}
	if err := reg.Validate(decoded); err != nil {
		return nil, outcomeFailure, newExecutionError(KindInvalidArguments, name, err)
	}

	var key []byte
	if e.cache != nil {
		// Re-encoding sorts object keys, so equal arguments share a key.
		canonical, err := json.Marshal(decoded)
		if err != nil {
			return nil, outcomeFailure, newExecutionError(KindInvalidArguments, name, err)
		}
		key = cacheKey(name, reg.Generation, canonical)
		if v, ok := e.cache.get(name, reg.Generation, key); ok {
			return v, outcomeCacheHit, nil
		}
	}

	if deadline <= 0 {
		deadline = e.deadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case res := <-reg.Impl.Start(callCtx, args):
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) && ctx.Err() == nil && callCtx.Err() != nil {
				return nil, outcomeTimeout, newExecutionError(KindTimeout, name, res.Err)
			}
			return nil, outcomeFailure, newExecutionError(KindImplementationFailure, name, res.Err)
		}
		v := res.Value
		if len(v) == 0 {
			v = json.RawMessage("null")
		} else if !json.Valid(v) {
			return nil, outcomeFailure, newExecutionError(KindImplementationFailure, name, errors.New("result is not valid JSON"))
		}
		if e.cache != nil {
			e.cache.put(name, reg.Generation, key, v)
		}
		return v, outcomeSuccess, nil

	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, outcomeFailure, newExecutionError(KindImplementationFailure, name, err)
		}
		return nil, outcomeTimeout, newExecutionError(KindTimeout, name,
			fmt.Errorf("no result within %s", deadline))
	}
}

// Metrics returns a snapshot of the executor counters.
func (e *Executor) Metrics() Metrics {
	return e.metrics.snapshot()
}

// ResetMetrics zeroes all counters.
func (e *Executor) ResetMetrics() {
	e.metrics.reset()
}

// ClearCache drops every cached result.
func (e *Executor) ClearCache() {
	if e.cache != nil {
		e.cache.clear()
	}
}

// CacheLen returns the number of cached results.
func (e *Executor) CacheLen() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.len()
}

// InvalidateTool drops the cached results of one tool and returns how many
// were dropped.
func (e *Executor) InvalidateTool(name string) int {
	if e.cache == nil {
		return 0
	}
	n := e.cache.drop(name)
	if n > 0 {
		e.log.Debug().Str("tool", name).Int("entries", n).Msg("cache invalidated")
	}
	return n
}
