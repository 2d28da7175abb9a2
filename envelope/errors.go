// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package envelope

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFormat = errors.New("envelope: unknown payload format")
	ErrInvalidUTF8   = errors.New("envelope: invalid utf-8")
	ErrNotTextData   = errors.New("envelope: payload is binary")
	ErrInvalidJSON   = errors.New("envelope: invalid json structure")
)

// DecodeError is returned when a payload cannot be decoded in its format.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: decode %s: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError is returned when a value cannot be encoded in a format.
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("envelope: encode %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
