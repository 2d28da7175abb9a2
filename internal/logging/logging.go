// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging builds the process logger. Standard output carries the
// protocol, so logs go to standard error unless told otherwise.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides read by FromEnv.
const (
	EnvLevel   = "TOOLRPC_LOG_LEVEL"
	EnvJSON    = "TOOLRPC_LOG_JSON"
	EnvNoColor = "TOOLRPC_LOG_NOCOLOR"
)

// Options selects the logger output.
type Options struct {
	Level   string
	JSON    bool
	NoColor bool
	Out     io.Writer
}

// FromEnv returns opts with the TOOLRPC_LOG_* variables applied. Unset or
// unparsable variables leave the field alone.
func FromEnv(opts Options) Options {
	return fromLookup(opts, os.LookupEnv)
}

func fromLookup(opts Options, lookup func(string) (string, bool)) Options {
	if v, ok := lookup(EnvLevel); ok && v != "" {
		opts.Level = v
	}
	if v, ok := lookup(EnvJSON); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.JSON = b
		}
	}
	if v, ok := lookup(EnvNoColor); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			opts.NoColor = b
		}
	}
	return opts
}

// New returns a logger tagged with app and installs it as the zerolog
// global. An unknown level falls back to info.
func New(app string, opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}
	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().Timestamp().Str("app", app).
		Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a level name to a zerolog level. The empty string and
// unknown names are info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
