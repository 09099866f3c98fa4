// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/marker"
)

func developerCommand() *cli.Command {
	add := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "add",
			Summary: "Create a developer and print its one-time authorization code",
			Usage:   "livetap developer add <id> [flags]",
			Flags:   sessionFlags("add", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one developer id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					developer, err := client.AddDeveloper(ctx, args[0])
					if err != nil {
						return err
					}
					return cli.WriteJSON(developer)
				})(ctx, args)
			},
		}
	}

	remove := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "remove",
			Summary: "Delete a developer and its role bindings",
			Usage:   "livetap developer remove <id> [flags]",
			Flags:   sessionFlags("remove", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one developer id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveDeveloper(ctx, args[0])
				})(ctx, args)
			},
		}
	}

	list := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "list",
			Summary: "List developers",
			Flags:   sessionFlags("list", &session),
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				developers, err := client.GetDevelopers(ctx)
				if err != nil {
					return err
				}
				return cli.WriteJSON(developers)
			}),
		}
	}

	refresh := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "refresh",
			Summary: "Rotate a developer's authorization code",
			Usage:   "livetap developer refresh <id> [flags]",
			Flags:   sessionFlags("refresh", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one developer id")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					developer, err := client.RefreshDeveloperToken(ctx, args[0])
					if err != nil {
						return err
					}
					return cli.WriteJSON(developer)
				})(ctx, args)
			},
		}
	}

	roles := func() *cli.Command {
		var session cli.Session
		var developerID string
		return &cli.Command{
			Name:    "roles",
			Summary: "Show a developer's roles (yours by default)",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("roles", pflag.ContinueOnError)
				session.AddFlags(flagSet)
				flagSet.StringVar(&developerID, "developer", "", "target developer (defaults to you)")
				return flagSet
			},
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				roles, err := client.GetDeveloperRoles(ctx, developerID)
				if err != nil {
					return err
				}
				return cli.WriteJSON(roles)
			}),
		}
	}

	permissions := func() *cli.Command {
		var session cli.Session
		var developerID string
		return &cli.Command{
			Name:    "permissions",
			Summary: "Show a developer's effective permissions (yours by default)",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("permissions", pflag.ContinueOnError)
				session.AddFlags(flagSet)
				flagSet.StringVar(&developerID, "developer", "", "target developer (defaults to you)")
				return flagSet
			},
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				permissions, err := client.GetDeveloperPermissions(ctx, developerID)
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
			Summary: "Bind a role to a developer",
			Usage:   "livetap developer bind-role <id> <role> [flags]",
			Flags:   sessionFlags("bind-role", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected developer id and role arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.AddDeveloperRole(ctx, args[0], auth.Role(args[1]))
				})(ctx, args)
			},
		}
	}

	unbind := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "unbind-role",
			Summary: "Unbind a role from a developer",
			Usage:   "livetap developer unbind-role <id> <role> [flags]",
			Flags:   sessionFlags("unbind-role", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected developer id and role arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveDeveloperRole(ctx, args[0], auth.Role(args[1]))
				})(ctx, args)
			},
		}
	}

	return &cli.Command{
		Name:    "developer",
		Summary: "Manage developer accounts and role bindings",
		Subcommands: []*cli.Command{
			add(), remove(), list(), refresh(), roles(), permissions(), bind(), unbind(),
		},
	}
}
