// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tool

import (
	"errors"
	"fmt"
)

// Kind classifies an execution failure.
type Kind uint8

const (
	KindToolNotFound Kind = iota + 1
	KindInvalidArguments
	KindTimeout
	KindImplementationFailure
)

func (k Kind) String() string {
	switch k {
	case KindToolNotFound:
		return "tool_not_found"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindTimeout:
		return "timeout"
	case KindImplementationFailure:
		return "implementation_failure"
	default:
		return "unknown"
	}
}

var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrInvalidArguments      = errors.New("invalid arguments")
	ErrTimeout               = errors.New("tool deadline exceeded")
	ErrImplementationFailure = errors.New("tool implementation failed")

	ErrInvalidRegistration = errors.New("invalid tool registration")
)

func (k Kind) sentinel() error {
	switch k {
	case KindToolNotFound:
		return ErrToolNotFound
	case KindInvalidArguments:
		return ErrInvalidArguments
	case KindTimeout:
		return ErrTimeout
	case KindImplementationFailure:
		return ErrImplementationFailure
	default:
		return nil
	}
}

// ExecutionError is returned by Executor.Execute. errors.Is matches it
// against the sentinel of its Kind as well as the wrapped cause.
type ExecutionError struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

func newExecutionError(kind Kind, name string, err error) *ExecutionError {
	e := &ExecutionError{Kind: kind, Tool: name, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %q", e.Kind.sentinel(), e.Tool)
	}
	return fmt.Sprintf("%s: %q: %s", e.Kind.sentinel(), e.Tool, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}
