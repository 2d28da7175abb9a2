// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/luxfi/toolrpc"
	"github.com/luxfi/toolrpc/bridge"
	"github.com/luxfi/toolrpc/internal/logging"
	"github.com/luxfi/toolrpc/tool"
)

func newBackendCmd() *cobra.Command {
	var (
		listen    string
		transport string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run a demo tool backend",
		Long: `The backend command serves a small set of demo tools (echo, add, upper
and sleep) over the chosen transport, for use as the target of serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New("toolrpc-backend", logging.FromEnv(logging.Options{Level: logLevel}))
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg, err := demoRegistry()
			if err != nil {
				return err
			}
			srv, err := toolrpc.Listen(listen,
				toolrpc.WithServerTransport(transport),
				toolrpc.WithServerLogger(log),
			)
			if err != nil {
				return err
			}
			defer srv.Close()

			svc := &toolrpc.ExecutorService{
				Name:    "toolrpc-demo",
				Version: bridge.Version,
				Exec:    tool.NewExecutor(reg, tool.WithLogger(log)),
			}
			if err := toolrpc.ServeBackend(srv, svc); err != nil {
				return err
			}
			log.Info().
				Str("addr", srv.Addr()).
				Str("transport", transport).
				Int("tools", reg.Len()).
				Msg("backend listening")

			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&listen, "listen", "l", "127.0.0.1:9000", "listen address")
	f.StringVar(&transport, "transport", toolrpc.DefaultTransport, "transport to serve")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

const maxSleep = time.Minute

// demoRegistry returns the tools served by the backend command.
func demoRegistry() (*tool.Registry, error) {
	reg := tool.NewRegistry()
	tools := []struct {
		name, desc string
		schema     string
		fn         tool.Func
	}{
		{
			name: "echo",
			desc: "Returns its arguments.",
			fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
				return args, nil
			},
		},
		{
			name:   "add",
			desc:   "Adds a and b.",
			schema: `{"type":"object","required":["a","b"],"properties":{"a":{"type":"number"},"b":{"type":"number"}}}`,
			fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					A float64 `json:"a"`
					B float64 `json:"b"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				return json.Marshal(in.A + in.B)
			},
		},
		{
			name:   "upper",
			desc:   "Upper-cases text.",
			schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
			fn: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				return json.Marshal(strings.ToUpper(in.Text))
			},
		},
		{
			name:   "sleep",
			desc:   "Waits for ms milliseconds, then returns the time slept.",
			schema: `{"type":"object","required":["ms"],"properties":{"ms":{"type":"integer","minimum":0}}}`,
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					MS int64 `json:"ms"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				d := min(time.Duration(in.MS)*time.Millisecond, maxSleep)
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return json.Marshal(map[string]string{"slept": d.String()})
			},
		},
	}
	for _, t := range tools {
		var opts []tool.RegisterOption
		if t.schema != "" {
			opts = append(opts, tool.WithInputSchema(json.RawMessage(t.schema)))
		}
		if err := reg.Register(t.name, t.desc, t.fn, opts...); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.name, err)
		}
	}
	return reg, nil
}
