// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command wireping opens one connection to a server, runs the ping command a
// number of times, and reports round-trip statistics. It exists to exercise
// and debug the connection layer end to end: handshake, compression
// negotiation, authentication, and timeouts.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tychoish/birch"

	"github.com/ikmak/wirecore"
	"github.com/ikmak/wirecore/address"
	"github.com/ikmak/wirecore/auth"
)

type pingFlags struct {
	host        string
	appName     string
	compressors []string
	count       int
	interval    time.Duration
	timeout     time.Duration
	verbose     bool

	username  string
	password  string
	source    string
	mechanism string
}

func main() {
	flags := &pingFlags{}

	cmd := &cobra.Command{
		Use:   "wireping",
		Short: "ping a server over a raw wire protocol connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "localhost:27017", "server to connect to")
	cmd.Flags().StringVar(&flags.appName, "appname", "wireping", "application name sent in the handshake")
	cmd.Flags().StringSliceVar(&flags.compressors, "compressor", nil, "compressors to offer (snappy, zlib, zstd)")
	cmd.Flags().IntVar(&flags.count, "count", 10, "number of pings to send")
	cmd.Flags().DurationVar(&flags.interval, "interval", time.Second, "delay between pings")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "per-ping timeout")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")
	cmd.Flags().StringVar(&flags.username, "username", "", "username to authenticate as")
	cmd.Flags().StringVar(&flags.password, "password", "", "password to authenticate with")
	cmd.Flags().StringVar(&flags.source, "auth-source", "admin", "database to authenticate against")
	cmd.Flags().StringVar(&flags.mechanism, "mechanism", "", "authentication mechanism (default: negotiated)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *pingFlags) error {
	level := zerolog.InfoLevel
	if flags.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	opts := []wirecore.Option{
		wirecore.WithAppName(flags.appName),
		wirecore.WithCompressors(flags.compressors),
		wirecore.WithLogger(logger),
	}
	if flags.username != "" {
		authenticator, err := auth.CreateAuthenticator(flags.mechanism, &auth.Cred{
			Source:      flags.source,
			Username:    flags.username,
			Password:    flags.password,
			PasswordSet: flags.password != "",
		})
		if err != nil {
			return err
		}
		opts = append(opts, wirecore.WithAuthenticator(authenticator))
	}

	conn, err := wirecore.NewConnection(address.Address(flags.host), opts...)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	desc := conn.Description()
	logger.Info().
		Str("server", desc.Kind.String()).
		Int32("maxWireVersion", desc.WireVersion.Max).
		Msg("connected")

	ping := birch.DC.Elements(birch.EC.Int32("ping", 1))
	var failures int
	for i := 0; i < flags.count; i++ {
		if i > 0 {
			select {
			case <-time.After(flags.interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, flags.timeout)
		start := time.Now()
		_, err := conn.Command(pingCtx, "admin", ping)
		cancel()
		if err != nil {
			failures++
			logger.Error().Err(err).Int("seq", i).Msg("ping failed")
			if !conn.Alive() {
				return err
			}
			continue
		}
		logger.Info().Int("seq", i).Dur("rtt", time.Since(start)).Msg("pong")
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d pings failed", failures, flags.count)
	}
	return nil
}
