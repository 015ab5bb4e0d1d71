// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/forward"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of glucose values and session health",
	Long: `Run the configured sessions with an interactive terminal dashboard.

Shows:
  - The newest value, its trend and age
  - The state of each session and the receiver link statistics
  - The recent readings, newest first
  - Warnings and errors reported by the sessions

Values are not forwarded to any sink. Press 'q' to quit.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// programSink delivers forwarded values to the dashboard
type programSink struct {
	program *tea.Program
}

func (s *programSink) Name() string { return "watch" }

func (s *programSink) Publish(_ context.Context, v glucose.Value, newest bool) error {
	s.program.Send(valueMsg{value: v, newest: newest})
	return nil
}

func (s *programSink) Close() error { return nil }

// logWriter turns zerolog JSON lines into dashboard events
type logWriter struct {
	program *tea.Program
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		if msg, ok := parseLogLine(line); ok {
			w.program.Send(msg)
		}
	}
	return len(p), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	if cfg.Share.Enabled && cfg.Share.Password == "" {
		password, err := GetPassword("Share password: ", "GLUCOSTAT_SHARE_PASSWORD")
		if err != nil {
			return err
		}
		cfg.Share.Password = password
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	var sources []string
	if cfg.Receiver.Enabled {
		if cfg.Receiver.BridgeURL != "" {
			sources = append(sources, "WebSocket: "+cfg.Receiver.BridgeURL)
		} else {
			sources = append(sources, fmt.Sprintf("Serial: %s @ %d baud", cfg.Receiver.Port, cfg.Receiver.Baud))
		}
	}
	if cfg.Share.Enabled {
		sources = append(sources, "Share: "+cfg.Share.Region)
	}

	var sessions sessionSet
	poll := func() []session.Status {
		statuses := make([]session.Status, len(sessions))
		for i, sess := range sessions {
			statuses[i] = sess.Status()
		}
		return statuses
	}
	p := tea.NewProgram(initialModel(strings.Join(sources, " | "), poll), tea.WithAltScreen())

	// The dashboard owns the terminal; route log output into its event log
	level := logger.GetLevel()
	if level < zerolog.WarnLevel {
		level = zerolog.WarnLevel
	}
	logger = zerolog.New(&logWriter{program: p}).Level(level).With().Timestamp().Logger()

	clk := clock.Real()
	fwd := forward.New(clk, logger, &programSink{program: p})
	sessions, err := buildSessions(clk, fwd.Callback)
	if err != nil {
		fwd.Close()
		return err
	}

	sessions.start()
	_, runErr := p.Run()
	sessions.stop()
	fwd.Close()
	return runErr
}
