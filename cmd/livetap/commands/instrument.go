// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/cmd/livetap/cli"
	"github.com/livetap/livetap/instrument"
)

// parseLocation splits a "source:line" argument.
func parseLocation(argument string) (instrument.Location, error) {
	separator := strings.LastIndex(argument, ":")
	if separator < 1 || separator == len(argument)-1 {
		return instrument.Location{}, fmt.Errorf("location %q is not source:line", argument)
	}
	line, err := strconv.Atoi(argument[separator+1:])
	if err != nil || line < 1 {
		return instrument.Location{}, fmt.Errorf("location %q has an invalid line number", argument)
	}
	return instrument.Location{Source: argument[:separator], Line: line}, nil
}

// commonInstrumentFlags are the creation flags shared by the three add
// subcommands.
type commonInstrumentFlags struct {
	condition string
	probeID   string
	hitLimit  int
	expiresIn time.Duration
	throttle  int
	step      string
	immediate bool
}

func (f *commonInstrumentFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.condition, "condition", "", "hit condition expression")
	flagSet.StringVar(&f.probeID, "probe", "", "restrict to one probe instance")
	flagSet.IntVar(&f.hitLimit, "hit-limit", 0, "auto-remove after this many hits (0 for unlimited)")
	flagSet.DurationVar(&f.expiresIn, "expires-in", 0, "auto-remove after this duration (0 for never)")
	flagSet.IntVar(&f.throttle, "throttle", 0, "max delivered hits per window (0 for default)")
	flagSet.StringVar(&f.step, "throttle-step", "SECOND", "throttle window: SECOND, MINUTE, or HOUR")
	flagSet.BoolVar(&f.immediate, "wait", false, "wait for a probe to confirm the apply")
}

func (f *commonInstrumentFlags) apply(common *instrument.Common) {
	common.Condition = f.condition
	common.Location.ProbeID = f.probeID
	common.HitLimit = f.hitLimit
	common.ApplyImmediately = f.immediate
	if f.expiresIn > 0 {
		common.ExpiresAt = time.Now().Add(f.expiresIn).UnixMilli()
	}
	if f.throttle > 0 {
		common.Throttle = &instrument.Throttle{
			Limit: f.throttle,
			Step:  instrument.ThrottleStep(strings.ToUpper(f.step)),
		}
	}
}

func addBreakpointCommand() *cli.Command {
	var session cli.Session
	var flags commonInstrumentFlags
	return &cli.Command{
		Name:    "add-breakpoint",
		Summary: "Create a live breakpoint at source:line",
		Usage:   "livetap instrument add-breakpoint <source:line> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add-breakpoint", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flags.add(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Break once at a service entry point", Command: "livetap instrument add-breakpoint com.acme.OrderService:42 --hit-limit 1 --wait"},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one source:line argument")
			}
			location, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			breakpoint := &instrument.Breakpoint{Common: instrument.Common{Location: location}}
			flags.apply(&breakpoint.Common)
			return addInstrument(ctx, &session, breakpoint)
		},
	}
}

func addLogCommand() *cli.Command {
	var session cli.Session
	var flags commonInstrumentFlags
	var arguments []string
	return &cli.Command{
		Name:    "add-log",
		Summary: "Create a live log at source:line",
		Usage:   "livetap instrument add-log <source:line> <format> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add-log", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flags.add(flagSet)
			flagSet.StringSliceVar(&arguments, "arg", nil, "variable filling the next {} placeholder (repeatable)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Log an order id on every call", Command: "livetap instrument add-log com.acme.OrderService:42 'order {}' --arg orderId"},
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected source:line and format arguments")
			}
			location, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			log := &instrument.Log{
				Common:       instrument.Common{Location: location},
				LogFormat:    args[1],
				LogArguments: arguments,
			}
			flags.apply(&log.Common)
			return addInstrument(ctx, &session, log)
		},
	}
}

func addMeterCommand() *cli.Command {
	var session cli.Session
	var flags commonInstrumentFlags
	var meterType string
	var metricValue string
	return &cli.Command{
		Name:    "add-meter",
		Summary: "Create a live meter at source:line",
		Usage:   "livetap instrument add-meter <source:line> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add-meter", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flags.add(flagSet)
			flagSet.StringVar(&meterType, "type", "COUNT", "aggregation: COUNT, GAUGE, or HISTOGRAM")
			flagSet.StringVar(&metricValue, "value", "", "metric value expression (unused for COUNT)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one source:line argument")
			}
			location, err := parseLocation(args[0])
			if err != nil {
				return err
			}
			meter := &instrument.Meter{
				Common:      instrument.Common{Location: location},
				MeterType:   instrument.MeterKind(strings.ToUpper(meterType)),
				MetricValue: metricValue,
			}
			flags.apply(&meter.Common)
			return addInstrument(ctx, &session, meter)
		},
	}
}

func addInstrument(ctx context.Context, session *cli.Session, inst instrument.LiveInstrument) error {
	client, err := session.Connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	requestCtx, cancel := session.Request(ctx)
	defer cancel()
	added, err := client.AddLiveInstrument(requestCtx, inst)
	if err != nil {
		return err
	}
	return cli.WriteJSON(added)
}

func listInstrumentsCommand() *cli.Command {
	var session cli.Session
	var typeFilter string
	return &cli.Command{
		Name:    "list",
		Summary: "List live instruments",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flagSet.StringVar(&typeFilter, "type", "", "filter: BREAKPOINT, LOG, or METER")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			client, err := session.Connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			requestCtx, cancel := session.Request(ctx)
			defer cancel()
			instruments, err := client.GetLiveInstruments(requestCtx, instrument.Type(strings.ToUpper(typeFilter)))
			if err != nil {
				return err
			}
			return cli.WriteJSON(instruments)
		},
	}
}

func getInstrumentCommand() *cli.Command {
	var session cli.Session
	return &cli.Command{
		Name:    "get",
		Summary: "Fetch one instrument by id",
		Usage:   "livetap instrument get <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one instrument id")
			}
			client, err := session.Connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			requestCtx, cancel := session.Request(ctx)
			defer cancel()
			found, err := client.GetLiveInstrument(requestCtx, args[0])
			if err != nil {
				return err
			}
			if found == nil {
				fmt.Println("not found")
				return &cli.ExitError{Code: 1}
			}
			return cli.WriteJSON(found)
		},
	}
}

func removeInstrumentCommand() *cli.Command {
	var session cli.Session
	var location string
	return &cli.Command{
		Name:    "remove",
		Summary: "Remove an instrument by id or every instrument at a location",
		Usage:   "livetap instrument remove [<id>] [--at source:line] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flagSet.StringVar(&location, "at", "", "remove everything at this source:line")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if (len(args) == 1) == (location != "") {
				return fmt.Errorf("pass either an instrument id or --at, not both")
			}
			client, err := session.Connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			requestCtx, cancel := session.Request(ctx)
			defer cancel()

			if location != "" {
				parsed, err := parseLocation(location)
				if err != nil {
					return err
				}
				removed, err := client.RemoveLiveInstruments(requestCtx, parsed)
				if err != nil {
					return err
				}
				return cli.WriteJSON(removed)
			}

			removed, err := client.RemoveLiveInstrument(requestCtx, args[0])
			if err != nil {
				return err
			}
			if removed == nil {
				fmt.Println("not found")
				return &cli.ExitError{Code: 1}
			}
			return cli.WriteJSON(removed)
		},
	}
}

func clearInstrumentsCommand() *cli.Command {
	var session cli.Session
	var typeFilter string
	var everyone bool
	return &cli.Command{
		Name:    "clear",
		Summary: "Remove your instruments, or everyone's with --all",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clear", pflag.ContinueOnError)
			session.AddFlags(flagSet)
			flagSet.StringVar(&typeFilter, "type", "", "limit to BREAKPOINT, LOG, or METER")
			flagSet.BoolVar(&everyone, "all", false, "clear every developer's instruments")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			client, err := session.Connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			requestCtx, cancel := session.Request(ctx)
			defer cancel()

			var removed []instrument.LiveInstrument
			if everyone {
				if typeFilter != "" {
					return fmt.Errorf("--all does not combine with --type")
				}
				removed, err = client.ClearAllLiveInstruments(requestCtx)
			} else {
				removed, err = client.ClearLiveInstruments(requestCtx, instrument.Type(strings.ToUpper(typeFilter)))
			}
			if err != nil {
				return err
			}
			return cli.WriteJSON(removed)
		},
	}
}

func instrumentCommand() *cli.Command {
	return &cli.Command{
		Name:    "instrument",
		Summary: "Create, inspect, and remove live instruments",
		Subcommands: []*cli.Command{
			addBreakpointCommand(),
			addLogCommand(),
			addMeterCommand(),
			listInstrumentsCommand(),
			getInstrumentCommand(),
			removeInstrumentCommand(),
			clearInstrumentsCommand(),
		},
	}
}
