// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Livetap is the operator CLI: it connects to the platform's marker
// endpoint to create and inspect live instruments, stream their
// events, and administer developers, roles, and probe credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/livetap/livetap/cmd/livetap/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.Root().Execute(ctx, os.Args[1:]); err != nil {
		// Commands that print their own output return an ExitError with
		// the desired code; no redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
