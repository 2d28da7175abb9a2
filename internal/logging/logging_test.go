// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logging

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"trace":    zerolog.TraceLevel,
		"loud":     zerolog.InfoLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		EnvLevel:   "debug",
		EnvJSON:    "true",
		EnvNoColor: "not-a-bool",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	opts := fromLookup(Options{Level: "warn", NoColor: true}, lookup)
	assert.Equal(t, "debug", opts.Level)
	assert.True(t, opts.JSON)
	assert.True(t, opts.NoColor)

	t.Setenv(EnvLevel, "error")
	assert.Equal(t, "error", FromEnv(Options{}).Level)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("toolrpc-test", Options{Level: "warn", JSON: true, Out: &buf})

	logger.Info().Msg("dropped")
	logger.Warn().Str("tool", "echo").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "toolrpc-test", entry["app"])
	assert.Equal(t, "echo", entry["tool"])
	assert.Contains(t, entry, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New("toolrpc-test", Options{NoColor: true, Out: &buf})
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "app=toolrpc-test")
}
