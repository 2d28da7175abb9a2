// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryParsePartialJSON(t *testing.T) {
	b := New()
	doc := `{"tool":"echo","args":{"a":[1,2,3]}}`

	var got map[string]any
	for i := 0; i < len(doc)-1; i++ {
		require.NoError(t, b.Extend([]byte{doc[i]}))
		ok, err := b.TryParsePartialJSON(&got)
		require.NoError(t, err, "prefix %q", doc[:i+1])
		require.False(t, ok, "prefix %q", doc[:i+1])
	}
	require.NoError(t, b.Extend([]byte{doc[len(doc)-1]}))
	ok, err := b.TryParsePartialJSON(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "echo", got["tool"])
	// Parsing does not consume.
	assert.Equal(t, len(doc), b.Buffered())
}

func TestTryParsePartialJSONMalformed(t *testing.T) {
	for _, in := range []string{`{"a":}`, `]`, `{"a":1} x`, `nul!`} {
		b := New()
		require.NoError(t, b.Extend([]byte(in)))
		var v any
		ok, err := b.TryParsePartialJSON(&v)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrMalformedData, "input=%q", in)
	}
}

func TestTryParsePartialJSONNumber(t *testing.T) {
	b := New()
	require.NoError(t, b.Extend([]byte("12")))
	var n int
	ok, err := b.TryParsePartialJSON(&n)
	require.NoError(t, err)
	assert.False(t, ok)

	b.Finish()
	ok, err = b.TryParsePartialJSON(&n)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12, n)
}

func TestDecodeNextFramesWithoutDelimiter(t *testing.T) {
	b := New()
	require.NoError(t, b.Extend([]byte(`{"id":1} {"id":2}{"id"`)))

	type msg struct {
		ID int `json:"id"`
	}
	var m msg
	ok, err := b.DecodeNext(&m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.ID)

	ok, err = b.DecodeNext(&m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, m.ID)

	ok, err = b.DecodeNext(&m)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Extend([]byte(`:3}`)))
	ok, err = b.DecodeNext(&m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, m.ID)
	assert.Zero(t, b.Buffered())
}

func TestDecodeNextMalformedThenResync(t *testing.T) {
	b := New()
	require.NoError(t, b.Extend([]byte("{oops}\n{\"id\":7}\n")))

	var m map[string]any
	_, err := b.DecodeNext(&m)
	require.ErrorIs(t, err, ErrMalformedData)

	_, found := b.DiscardThrough('\n')
	require.True(t, found)
	ok, err := b.DecodeNext(&m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 7, m["id"])
}

func TestDecodeNextFinishedTail(t *testing.T) {
	b := New()
	require.NoError(t, b.Extend([]byte(`42`)))
	var n int
	ok, err := b.DecodeNext(&n)
	require.NoError(t, err)
	assert.False(t, ok)

	b.Finish()
	ok, err = b.DecodeNext(&n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, n)

	truncated := New()
	require.NoError(t, truncated.Extend([]byte(`{"a":`)))
	truncated.Finish()
	_, err = truncated.DecodeNext(&n)
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestDecodePrefix(t *testing.T) {
	var v map[string]int
	n, err := DecodePrefix([]byte("  {\"a\":1}rest"), &v)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, 1, v["a"])

	_, err = DecodePrefix([]byte(`{"a"`), &v)
	assert.ErrorIs(t, err, ErrIncompleteData)

	_, err = DecodePrefix([]byte(`   `), &v)
	assert.ErrorIs(t, err, ErrIncompleteData)

	// Type mismatch is not recoverable by more input.
	_, err = DecodePrefix([]byte(`{"a":"x"}`), &v)
	assert.ErrorIs(t, err, ErrMalformedData)
}
