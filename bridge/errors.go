// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition is returned by every operation on a phase
	// value whose transition has already happened.
	ErrInvalidStateTransition = errors.New("bridge: invalid state transition")

	// ErrAlreadyRunning is returned by Run while another Run of the same
	// serving value is active.
	ErrAlreadyRunning = errors.New("bridge: already running")
)

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("bridge: invalid config %s: %s", e.Field, e.Reason)
}

// ConnectionError reports a backend that could not be reached or did not
// complete the handshake.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bridge: backend %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
