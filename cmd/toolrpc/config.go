// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/luxfi/toolrpc/bridge"
)

// Environment overrides, applied over the config file.
const (
	envBackendAddr = "TOOLRPC_BACKEND_ADDR"
	envTransport   = "TOOLRPC_TRANSPORT"
	envDeadline    = "TOOLRPC_DEADLINE"
	envCache       = "TOOLRPC_CACHE"
	envWorkers     = "TOOLRPC_WORKERS"
	envMetricsAddr = "TOOLRPC_METRICS_ADDR"
)

type fileConfig struct {
	BackendAddr   string `toml:"backend_addr"`
	Transport     string `toml:"transport"`
	DialAttempts  uint64 `toml:"dial_attempts"`
	ServerName    string `toml:"server_name"`
	ServerVersion string `toml:"server_version"`
	Deadline      string `toml:"deadline"`
	Cache         bool   `toml:"cache"`
	Workers       int    `toml:"workers"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
	Trace         bool   `toml:"trace"`
}

type serveConfig struct {
	Bridge      bridge.Config
	MetricsAddr string
	LogLevel    string
	// Trace writes dispatch spans to standard error.
	Trace bool
}

func defaultServeConfig() serveConfig {
	return serveConfig{Bridge: bridge.DefaultConfig(), LogLevel: "info"}
}

// loadServeConfig reads path over the defaults. Keys missing from the file
// keep their default. An empty path returns the defaults.
func loadServeConfig(path string) (serveConfig, error) {
	cfg := defaultServeConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serveConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serveConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("backend_addr") {
		cfg.Bridge.BackendAddr = strings.TrimSpace(raw.BackendAddr)
	}
	if meta.IsDefined("transport") {
		cfg.Bridge.Transport = strings.TrimSpace(raw.Transport)
	}
	if meta.IsDefined("dial_attempts") {
		cfg.Bridge.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("server_name") {
		cfg.Bridge.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("server_version") {
		cfg.Bridge.ServerVersion = strings.TrimSpace(raw.ServerVersion)
	}
	if meta.IsDefined("deadline") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Deadline))
		if err != nil {
			return serveConfig{}, fmt.Errorf("parse deadline: %w", err)
		}
		cfg.Bridge.Deadline = d
	}
	if meta.IsDefined("cache") {
		cfg.Bridge.Cache = raw.Cache
	}
	if meta.IsDefined("workers") {
		cfg.Bridge.Workers = raw.Workers
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("trace") {
		cfg.Trace = raw.Trace
	}
	return cfg, nil
}

// applyEnv overrides cfg with the TOOLRPC_* variables that are set.
func applyEnv(cfg *serveConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(envBackendAddr); ok {
		cfg.Bridge.BackendAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(envTransport); ok {
		cfg.Bridge.Transport = strings.TrimSpace(v)
	}
	if v, ok := lookup(envDeadline); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", envDeadline, err)
		}
		cfg.Bridge.Deadline = d
	}
	if v, ok := lookup(envCache); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", envCache, err)
		}
		cfg.Bridge.Cache = b
	}
	if v, ok := lookup(envWorkers); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", envWorkers, err)
		}
		cfg.Bridge.Workers = n
	}
	if v, ok := lookup(envMetricsAddr); ok {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	return nil
}
