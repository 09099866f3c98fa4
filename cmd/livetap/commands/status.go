// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/marker"
)

func statusCommand() *cli.Command {
	var session cli.Session
	return &cli.Command{
		Name:    "status",
		Summary: "Show connected probes, markers, and instrument counts",
		Flags:   sessionFlags("status", &session),
		Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
			stats, err := client.GetStats(ctx)
			if err != nil {
				return err
			}
			return cli.WriteJSON(stats)
		}),
	}
}

func resetCommand() *cli.Command {
	var session cli.Session
	var force bool
	return &cli.Command{
		Name:    "reset",
		Summary: "Wipe all platform state: instruments, developers, roles, accessors",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("reset", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flagSet.BoolVar(&force, "force", false, "skip the confirmation prompt")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if !force {
				fmt.Fprint(os.Stderr, "This removes every instrument, developer, role, and accessor. Type 'reset' to continue: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil || strings.TrimSpace(line) != "reset" {
					return fmt.Errorf("reset aborted")
				}
			}
			return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				if err := client.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("platform reset")
				return nil
			})(ctx, args)
		},
	}
}

func subscribeCommand() *cli.Command {
	var session cli.Session
	var eventFilter []string
	return &cli.Command{
		Name:    "subscribe",
		Summary: "Stream your instrument events as JSON lines",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("subscribe", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flagSet.StringSliceVar(&eventFilter, "event", nil, "only print these event types (repeatable)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Print only breakpoint hits", Command: "livetap subscribe --event BREAKPOINT_HIT"},
		},
		Run: func(ctx context.Context, args []string) error {
			client, err := session.Connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			wanted := make(map[instrument.EventType]bool, len(eventFilter))
			for _, name := range eventFilter {
				wanted[instrument.EventType(strings.ToUpper(name))] = true
			}

			encoder := json.NewEncoder(os.Stdout)
			err = client.Subscribe(func(event instrument.Event) {
				if len(wanted) > 0 && !wanted[event.EventType] {
					return
				}
				if err := encoder.Encode(event); err != nil {
					fmt.Fprintf(os.Stderr, "writing event: %v\n", err)
				}
			})
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case <-client.Done():
				return fmt.Errorf("connection to %s lost", session.Platform)
			}
		},
	}
}
