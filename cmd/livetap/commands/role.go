// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/marker"
)

func roleCommand() *cli.Command {
	add := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "add",
			Summary: "Create a role",
			Usage:   "livetap role add <role> [flags]",
			Flags:   sessionFlags("add", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one role name")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.AddRole(ctx, auth.Role(args[0]))
				})(ctx, args)
			},
		}
	}

	remove := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "remove",
			Summary: "Delete a role",
			Usage:   "livetap role remove <role> [flags]",
			Flags:   sessionFlags("remove", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one role name")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveRole(ctx, auth.Role(args[0]))
				})(ctx, args)
			},
		}
	}

	list := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "list",
			Summary: "List roles",
			Flags:   sessionFlags("list", &session),
			Run: managementRun(&session, func(ctx context.Context, client *marker.Client) error {
				roles, err := client.GetRoles(ctx)
				if err != nil {
					return err
				}
				return cli.WriteJSON(roles)
			}),
		}
	}

	grant := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "grant",
			Summary: "Grant an instrument permission to a role",
			Usage:   "livetap role grant <role> <permission> [flags]",
			Flags:   sessionFlags("grant", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected role and permission arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.AddRolePermission(ctx, auth.Role(args[0]), auth.Permission(args[1]))
				})(ctx, args)
			},
		}
	}

	revoke := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "revoke",
			Summary: "Revoke a permission from a role",
			Usage:   "livetap role revoke <role> <permission> [flags]",
			Flags:   sessionFlags("revoke", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 2 {
					return fmt.Errorf("expected role and permission arguments")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					return client.RemoveRolePermission(ctx, auth.Role(args[0]), auth.Permission(args[1]))
				})(ctx, args)
			},
		}
	}

	permissions := func() *cli.Command {
		var session cli.Session
		return &cli.Command{
			Name:    "permissions",
			Summary: "List the permissions granted to a role",
			Usage:   "livetap role permissions <role> [flags]",
			Flags:   sessionFlags("permissions", &session),
			Run: func(ctx context.Context, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("expected exactly one role name")
				}
				return managementRun(&session, func(ctx context.Context, client *marker.Client) error {
					granted, err := client.GetRolePermissions(ctx, auth.Role(args[0]))
					if err != nil {
						return err
					}
					return cli.WriteJSON(granted)
				})(ctx, args)
			},
		}
	}

	return &cli.Command{
		Name:    "role",
		Summary: "Manage roles and their permission grants",
		Subcommands: []*cli.Command{
			add(), remove(), list(), grant(), revoke(), permissions(),
		},
	}
}
