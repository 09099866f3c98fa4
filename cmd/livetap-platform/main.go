// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Livetap-platform is the coordination daemon. It serves the probe and
// marker bridge endpoints, runs the instrument registry and the
// identity services, and exposes health and metrics on the admin
// listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		logText      bool
		generateSeed bool
	)
	flags := pflag.NewFlagSet("livetap-platform", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", os.Getenv("LIVETAP_CONFIG"), "path to the platform config file")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&logText, "log-text", false, "log in text format instead of JSON")
	flags.BoolVar(&generateSeed, "generate-signing-seed", false, "print a fresh token signing seed and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if generateSeed {
		seed, err := auth.GenerateSigningSeed()
		if err != nil {
			return err
		}
		fmt.Println(seed)
		return nil
	}

	config := platform.DefaultConfig()
	if configPath != "" {
		var err error
		if config, err = platform.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	level, err := config.Level()
	if err != nil {
		return err
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, options)
	if logText {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, config, logger, clock.Real())
	if err != nil {
		return err
	}
	return p.Run(ctx)
}
