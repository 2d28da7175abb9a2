// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/bridge"
	"github.com/luxfi/toolrpc/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath  string
		backendAddr string
		transport   string
		workers     int
		metricsAddr string
		cache       bool
		trace       bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bridge a backend to JSON-RPC on stdin and stdout",
		Long: `The serve command connects to a tool backend and answers JSON-RPC 2.0
requests read from standard input on standard output until the input ends
or the process is interrupted. Logs are written to standard error.

Settings are read from the config file, then TOOLRPC_* environment
variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			if err := applyEnv(&cfg, os.LookupEnv); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("backend") {
				cfg.Bridge.BackendAddr = backendAddr
			}
			if flags.Changed("transport") {
				cfg.Bridge.Transport = transport
			}
			if flags.Changed("workers") {
				cfg.Bridge.Workers = workers
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("cache") {
				cfg.Bridge.Cache = cache
			}
			if flags.Changed("trace") {
				cfg.Trace = trace
			}

			log := logging.New("toolrpc", logging.FromEnv(logging.Options{Level: cfg.LogLevel}))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, os.Stdin, os.Stdout, log)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	f.StringVar(&backendAddr, "backend", "", "backend address")
	f.StringVar(&transport, "transport", toolrpc.DefaultTransport, "backend transport")
	f.IntVar(&workers, "workers", 1, "concurrent dispatchers; one keeps responses in request order")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&cache, "cache", false, "cache tool results")
	f.BoolVar(&trace, "trace", false, "write dispatch spans to stderr")
	return cmd
}

// runServe drives one bridge through its lifecycle over in and out.
func runServe(ctx context.Context, cfg serveConfig, in io.Reader, out io.Writer, log zerolog.Logger) error {
	opts := []bridge.Option{bridge.WithLogger(log)}
	if cfg.Trace {
		tp, err := newTracerProvider(os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("flush traces")
			}
		}()
		otelCfg := bridge.DefaultOtelConfig()
		otelCfg.TracerProvider = tp
		otelCfg.ServiceName = cfg.Bridge.ServerName
		opts = append(opts, bridge.WithDispatchHook(bridge.InstrumentOtel(otelCfg)))
	}

	backend := toolrpc.NewRemoteBackend(log)
	connected, err := bridge.New(backend, opts...).Connect(ctx, cfg.Bridge)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		ms, err := startMetrics(cfg.MetricsAddr, connected.Executor(), log)
		if err != nil {
			_, _ = connected.Disconnect()
			return err
		}
		defer ms.close()
	}

	serving, err := connected.Serve(in, out)
	if err != nil {
		_, _ = connected.Disconnect()
		return err
	}
	runErr := serving.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	connected, err = serving.Shutdown(shutdownCtx)
	if err != nil {
		return errors.Join(runErr, err)
	}
	if _, err := connected.Disconnect(); err != nil {
		return errors.Join(runErr, err)
	}

	m := connected.Executor().Metrics()
	log.Info().
		Uint64("calls", m.Total).
		Float64("success_rate", m.SuccessRate()).
		Float64("cache_hit_rate", m.CacheHitRate()).
		Msg("bridge stopped")
	return runErr
}

func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp)), nil
}
