// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/capnet-foundation/capnet/helper"
	"github.com/capnet-foundation/capnet/lib/version"
	"github.com/capnet-foundation/capnet/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		logFormat   string
		showVersion bool
	)

	pflag.StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	pflag.StringVar(&socketPath, "socket", "", "Unix socket path to listen on (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pflag.StringVar(&logFormat, "log-format", "", "log format: json or text (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("capnetd %s\n", version.Info())
		return nil
	}

	config := defaultConfig()
	if configPath != "" {
		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if socketPath != "" {
		config.Socket = socketPath
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFormat != "" {
		config.LogFormat = logFormat
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("capnetd starting", "version", version.Info(), "socket", config.Socket)

	server := transport.NewServer(config.Socket, helper.New(logger), logger)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	logger.Info("capnetd stopped")
	return nil
}
