// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket bridge flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "glucostat",
	Short: "Dexcom CGM receiver and Share bridge",
	Long: `Glucostat - Reads glucose values from a Dexcom G4/G5/G6 receiver over USB
and from the Dexcom Share service, and forwards them to MQTT, NATS,
Nightscout, Postgres and CSV recordings.

Connection modes for the receiver:
  Serial:    --port /dev/ttyACM0 [--baud 115200]   (--port auto finds the receiver)
  WebSocket: --url ws://host/path [--username user]

Settings are read from glucostat.yaml (see --config), then .env files, then
GLUCOSTAT_* environment variables; flags override all of them.

Passwords are read from the configuration or environment, or prompted
interactively. There is intentionally no --password flag to avoid leaking
credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console or json)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device, or auto")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")

	// WebSocket bridge flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Serial bridge WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// setup loads the configuration, applies flag overrides and configures
// logging for every command.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("port") {
		cfg.Receiver.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Receiver.Baud = baudRate
	}
	if flags.Changed("url") {
		cfg.Receiver.BridgeURL = wsURL
	}
	if flags.Changed("username") {
		cfg.Receiver.BridgeUsername = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Receiver.SkipTLSVerify = wsNoSSLVerify
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err = newLogger(cfg.Log)
	return err
}

// newLogger builds the process logger. Console output goes to stderr so
// command output on stdout stays machine-readable.
func newLogger(lc config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var l zerolog.Logger
	if lc.Format == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
