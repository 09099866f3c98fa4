// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/marker"
)

// accessCommand manages white/black-list location permissions.
func accessCommand() *cli.Command {
	add := func() *cli.Command {
		var session cli.Session
		var accessType string
		var patterns []string
		return &cli.Command{
			Name:    "add",
			Summary: "Create a location access permission",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
				session.AddFlags(flagSet)
				flagSet.StringVar(&accessType, "type", "WHITE_LIST", "WHITE_LIST or BLACK_LIST")
				flagSet.StringSliceVar(&patterns, "pattern", nil, "location pattern, * wildcards allowed (repeatable)")
				return flagSet
			},
			Examples: []cli.Example{
				{Description: "Allow instrumentation only under com.acme", Command: "livetap access add --type WHITE_LIST --pattern 'com.acme.*'"},
			},
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				if len(patterns) == 0 {
					return fmt.Errorf("at least one --pattern is required")
				}
				created, err := client.AddAccessPermission(ctx, auth.AccessPermission{
					Type:             auth.AccessType(strings.ToUpper(accessType)),
					LocationPatterns: patterns,
				})
				if err != nil {
					return err
				}
				return cli.WriteJSON(created)
			}),
		}
	}

	remove := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "remove",
			Summary: "Delete an access permission",
			Usage:   "livetap access remove <id> [flags]",
			Flags:   sessionFlags("remove", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one access permission id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveAccessPermission(ctx, args[0])
				})(ctx, args)
			},
		}
	}

	list := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "list",
			Summary: "List access permissions",
			Flags:   sessionFlags("list", &session),
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				permissions, err := client.GetAccessPermissions(ctx)
				if err != nil {
					return err
				}
				return cli.WriteJSON(permissions)
			}),
		}
	}

	bind := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "bind-role",
			Summary: "Bind an access permission to a role",
			Usage:   "livetap access bind-role <id> <role> [flags]",
			Flags:   sessionFlags("bind-role", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected access permission id and role arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.AddAccessPermissionToRole(ctx, args[0], auth.Role(args[1]))
				})(ctx, args)
			},
		}
	}

	unbind := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "unbind-role",
			Summary: "Unbind an access permission from a role",
			Usage:   "livetap access unbind-role <id> <role> [flags]",
			Flags:   sessionFlags("unbind-role", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected access permission id and role arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveAccessPermissionFromRole(ctx, args[0], auth.Role(args[1]))
				})(ctx, args)
			},
		}
	}

	return &cli.Command{
		Name:    "access",
		Summary: "Manage location white and black lists",
		Subcommands: []*cli.Command{
			add(), remove(), list(), bind(), unbind(),
		},
	}
}

// clientAccessCommand manages probe accessor credentials.
func clientAccessCommand() *cli.Command {
	add := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "add",
			Summary: "Generate a probe accessor and print its one-time secret",
			Flags:   sessionFlags("add", &session),
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				access, err := client.AddClientAccess(ctx)
				if err != nil {
					return err
				}
				return cli.WriteJSON(access)
			}),
		}
	}

	remove := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "remove",
			Summary: "Revoke a probe accessor",
			Usage:   "livetap client remove <id> [flags]",
			Flags:   sessionFlags("remove", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one accessor id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveClientAccess(ctx, args[0])
				})(ctx, args)
			},
		}
	}

	refresh := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "refresh",
			Summary: "Rotate an accessor's secret",
			Usage:   "livetap client refresh <id> [flags]",
			Flags:   sessionFlags("refresh", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one accessor id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					access, err := client.RefreshClientAccess(ctx, args[0])
					if err != nil {
						return err
					}
					return cli.WriteJSON(access)
				})(ctx, args)
			},
		}
	}

	list := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "list",
			Summary: "List accessor ids",
			Flags:   sessionFlags("list", &session),
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				accessors, err := client.GetClientAccessors(ctx)
				if err != nil {
					return err
				}
				return cli.WriteJSON(accessors)
			}),
		}
	}

	return &cli.Command{
		Name:    "client",
		Summary: "Manage probe accessor credentials",
		Subcommands: []*cli.Command{
			add(), remove(), refresh(), list(),
		},
	}
}
