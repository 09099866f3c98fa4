// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the livetap CLI command tree.
package commands

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/marker"
)

// sessionFlags builds a flag set holding only the shared session
// flags, the common case for management commands.
func sessionFlags(name string, session *cli.Session) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		session.AddFlags(flagSet)
		return flagSet
	}
}

// managementRun wraps the connect/request/close boilerplate around one
// platform call.
func managementRun(session *cli.Session, call func(ctx context.Context, client *marker.Client) error) func(context.Context, []string) error {
	return func(ctx context.Context, args []string) error {
		client, err := session.Connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		requestCtx, cancel := session.Request(ctx)
		defer cancel()
		return call(requestCtx, client)
	}
}

// Root builds the complete livetap command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "livetap",
		Description: `Livetap: live instrumentation for running services.

Add breakpoints, logs, and meters to production processes without
redeploying, and stream the resulting events as they happen.`,
		Subcommands: []*cli.Command{
			instrumentCommand(),
			subscribeCommand(),
			developerCommand(),
			roleCommand(),
			accessCommand(),
			clientAccessCommand(),
			statusCommand(),
			resetCommand(),
		},
		Examples: []cli.Example{
			{Description: "Break once at a service entry point", Command: "livetap instrument add-breakpoint com.acme.OrderService:42 --hit-limit 1 --wait"},
			{Description: "Stream your instrument events", Command: "livetap subscribe"},
			{Description: "Create a developer account", Command: "livetap developer add alice"},
			{Description: "Check connected probes and instrument counts", Command: "livetap status"},
		},
	}
}
