// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stream

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// DecodePrefix decodes the first JSON value in data into v and returns the
// number of bytes it spans, including leading whitespace. It returns
// ErrIncompleteData when data ends inside the value and an error wrapping
// ErrMalformedData for any other failure.
//
// A bare number that runs to the end of data is reported incomplete, since
// more digits may follow.
func DecodePrefix(data []byte, v any) (int, error) {
	raw, n, err := scanValue(data)
	if err != nil {
		return 0, err
	}
	if n == len(data) && isNumberStart(raw[0]) {
		return 0, ErrIncompleteData
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	return n, nil
}

// scanValue finds the boundary of the first JSON value in data.
func scanValue(data []byte) (stdjson.RawMessage, int, error) {
	dec := stdjson.NewDecoder(bytes.NewReader(data))
	var raw stdjson.RawMessage
	switch err := dec.Decode(&raw); {
	case err == nil:
		return raw, int(dec.InputOffset()), nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, 0, ErrIncompleteData
	default:
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
}

func isNumberStart(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// TryParsePartialJSON decodes all buffered bytes into v without consuming
// them. It returns false with a nil error while the input is still
// truncated. Trailing bytes after the first value are malformed.
func (b *Buffer) TryParsePartialJSON(v any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.buf[b.off:]
	raw, n, err := scanValue(live)
	switch {
	case errors.Is(err, ErrIncompleteData):
		return false, nil
	case err != nil:
		return false, err
	}
	for _, c := range live[n:] {
		if !isSpace(c) {
			return false, fmt.Errorf("%w: trailing data after value", ErrMalformedData)
		}
	}
	if n == len(live) && !b.finished && isNumberStart(raw[0]) {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	return true, nil
}

// DecodeNext decodes the first complete JSON value into v and consumes
// exactly its bytes. It returns false with a nil error when more data is
// needed. Values do not need a delimiter between them.
func (b *Buffer) DecodeNext(v any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.buf[b.off:]
	n, err := DecodePrefix(live, v)
	switch {
	case err == nil:
		b.consume(n)
		return true, nil
	case errors.Is(err, ErrIncompleteData):
		if b.finished {
			return b.decodeTail(live, v)
		}
		return false, nil
	default:
		return false, err
	}
}

// decodeTail handles a finished stream whose last value is a bare number.
// Must hold b.mu.
func (b *Buffer) decodeTail(live []byte, v any) (bool, error) {
	raw, n, err := scanValue(live)
	if err != nil {
		if errors.Is(err, ErrIncompleteData) {
			for _, c := range live {
				if !isSpace(c) {
					return false, fmt.Errorf("%w: stream ended inside a value", ErrMalformedData)
				}
			}
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedData, err)
	}
	b.consume(n)
	return true, nil
}
