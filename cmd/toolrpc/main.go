// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command toolrpc bridges a remote tool backend to JSON-RPC 2.0 on standard
// input and output, and can run a demo backend to bridge to.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/toolrpc/bridge"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "toolrpc",
		Short:        "Expose remote tools over JSON-RPC 2.0",
		Version:      bridge.Version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newBackendCmd())
	return root
}
