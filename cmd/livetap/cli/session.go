// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetap/livetap/marker"
)

// Session holds the connection flags every platform-facing command
// shares. Flag defaults come from the LIVETAP_PLATFORM,
// LIVETAP_AUTHORIZATION_CODE, and LIVETAP_TOKEN environment variables
// so scripts never put credentials on command lines.
type Session struct {
	Platform          string
	AuthorizationCode string
	Token             string
	Timeout           time.Duration
	Verbose           bool
}

// AddFlags binds the session flags onto a command's flag set.
func (s *Session) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&s.Platform, "platform", envOr("LIVETAP_PLATFORM", "127.0.0.1:5450"), "platform marker endpoint")
	flagSet.StringVar(&s.AuthorizationCode, "code", os.Getenv("LIVETAP_AUTHORIZATION_CODE"), "developer authorization code")
	flagSet.StringVar(&s.Token, "token", os.Getenv("LIVETAP_TOKEN"), "pre-minted access token")
	flagSet.DurationVar(&s.Timeout, "timeout", 15*time.Second, "per-request timeout")
	flagSet.BoolVar(&s.Verbose, "verbose", false, "log connection details to stderr")
}

// Logger returns the command logger: warnings only unless --verbose.
func (s *Session) Logger() *slog.Logger {
	level := slog.LevelWarn
	if s.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Connect dials the platform with the session credentials. The caller
// closes the returned client.
func (s *Session) Connect(ctx context.Context) (*marker.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	client, err := marker.Dial(dialCtx, marker.Options{
		PlatformAddress:   s.Platform,
		AuthorizationCode: s.AuthorizationCode,
		Token:             s.Token,
	}, s.Logger())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.Platform, err)
	}
	return client, nil
}

// Request returns a per-request context bounded by the session
// timeout.
func (s *Session) Request(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Timeout)
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
