// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"time"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/tool"
)

// Version is reported in the initialize result.
const Version = "0.1.0"

// Config configures a bridge connection.
type Config struct {
	BackendAddr  string `toml:"backend_addr"`
	Transport    string `toml:"transport"`
	DialAttempts uint64 `toml:"dial_attempts"`

	ServerName    string `toml:"server_name"`
	ServerVersion string `toml:"server_version"`

	// Deadline bounds each tool call.
	Deadline time.Duration `toml:"deadline"`
	Cache    bool          `toml:"cache"`
	// Workers is the number of concurrent dispatchers. With one worker
	// responses follow request order.
	Workers int `toml:"workers"`
}

// DefaultConfig returns a config with everything but BackendAddr set.
func DefaultConfig() Config {
	return Config{
		Transport:     toolrpc.DefaultTransport,
		DialAttempts:  3,
		ServerName:    "toolrpc",
		ServerVersion: Version,
		Deadline:      tool.DefaultDeadline,
		Workers:       1,
	}
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	switch {
	case c.BackendAddr == "":
		return &ConfigError{Field: "backend_addr", Reason: "required"}
	case c.Transport == "":
		return &ConfigError{Field: "transport", Reason: "required"}
	case !toolrpc.HasTransport(c.Transport):
		return &ConfigError{Field: "transport", Reason: "unknown transport " + c.Transport}
	case c.ServerName == "":
		return &ConfigError{Field: "server_name", Reason: "required"}
	case c.Deadline < 0:
		return &ConfigError{Field: "deadline", Reason: "must not be negative"}
	case c.Workers < 1:
		return &ConfigError{Field: "workers", Reason: "must be at least 1"}
	}
	return nil
}
