// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The uorb command inspects topics published by a simulated uorb
// registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uorb.dev/cmd/uorb/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
