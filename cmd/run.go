// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/forward"
	"github.com/Thermoquad/glucostat/internal/server"
	"github.com/Thermoquad/glucostat/internal/session"
	"github.com/Thermoquad/glucostat/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the receiver and Share, forwarding every new value",
	Long: `Run the glucose bridge until interrupted.

The USB session polls the receiver (or serial bridge) and the Share session
polls the Dexcom Share service, each on its own schedule. New and backfilled
values are deduplicated and forwarded to every configured sink:
  - MQTT      (mqtt.broker)
  - NATS      (nats.url)
  - Nightscout (nightscout.url)
  - Postgres  (postgres.dsn)
  - CSV files (recorder.enabled)
  - Status API and WebSocket feed (server.enabled)

SIGINT, SIGTERM and SIGHUP stop the sessions, deliver queued values and close
the sinks.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// sessionSet starts configured sessions and stops them together
type sessionSet []session.Session

func (s sessionSet) start() {
	for _, sess := range s {
		sess.Start()
	}
}

func (s sessionSet) stop() {
	for _, sess := range s {
		sess.Stop()
	}
}

func (s sessionSet) statusSources() []server.StatusSource {
	out := make([]server.StatusSource, len(s))
	for i, sess := range s {
		out[i] = sess
	}
	return out
}

// buildSessions creates the enabled sessions, all emitting to emit
func buildSessions(clk clock.Clock, emit session.Callback) (sessionSet, error) {
	var sessions sessionSet
	if cfg.Receiver.Enabled {
		opts, err := transportOptions()
		if err != nil {
			return nil, err
		}
		usb := session.NewUSBSession(transport.Opener(opts), clk, logger, emit)
		usb.SetResetHint(cfg.Receiver.ResetHint)
		sessions = append(sessions, usb)
	}
	if cfg.Share.Enabled {
		client, err := NewShareClient()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session.NewShareSession(client, clk, logger, emit))
	}
	return sessions, nil
}

// buildSinks opens every configured sink. A sink that cannot be opened is
// fatal at startup; later failures are retried by the forwarder.
func buildSinks(ctx context.Context, instanceID string, clk clock.Clock) ([]forward.Sink, error) {
	var sinks []forward.Sink
	fail := func(err error) ([]forward.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if cfg.MQTT.Broker != "" {
		sinks = append(sinks, forward.NewMQTTSink(cfg.MQTT, instanceID, logger))
	}
	if cfg.NATS.URL != "" {
		s, err := forward.NewNATSSink(cfg.NATS, instanceID, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Nightscout.URL != "" {
		s, err := forward.NewNightscoutSink(cfg.Nightscout, nil)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Postgres.DSN != "" {
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		s, err := forward.NewPostgresSink(pctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Recorder.Enabled {
		s, err := forward.NewRecorder(cfg.Recorder, clk)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	if cfg.Share.Enabled && cfg.Share.Password == "" {
		pw, err := GetPassword("Share password: ", "GLUCOSTAT_SHARE_PASSWORD")
		if err != nil {
			return err
		}
		cfg.Share.Password = pw
	}
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	instanceID := uuid.NewString()
	clk := clock.Real()
	log := logger.With().Str("instance", instanceID).Logger()

	sinks, err := buildSinks(ctx, instanceID, clk)
	if err != nil {
		return err
	}
	var hub *server.Hub
	if cfg.Server.Enabled {
		hub = server.NewHub(logger)
		sinks = append(sinks, hub)
	}
	if len(sinks) == 0 {
		log.Warn().Msg("no sinks configured, values are only logged")
	}

	fwd := forward.New(clk, logger, sinks...)
	sessions, err := buildSessions(clk, fwd.Callback)
	if err != nil {
		fwd.Close()
		return err
	}

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(server.Options{
			InstanceID: instanceID,
			Sessions:   sessions.statusSources(),
			Readings:   fwd,
			Hub:        hub,
			Clock:      clk,
			Logger:     logger,
		})
		go func() {
			serverErr <- srv.ListenAndServe(ctx, cfg.Server.ListenAddr)
		}()
	}

	log.Info().Int("sessions", len(sessions)).Int("sinks", len(sinks)).Msg("glucostat started")
	sessions.start()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("status api: %w", err)
			log.Error().Err(err).Msg("status api stopped")
		}
	}
	stop()

	sessions.stop()
	if err := fwd.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sinks")
	}
	for _, st := range fwd.Sinks() {
		log.Info().Str("sink", st.Name).Uint64("sent", st.Sent).Int("pending", st.Pending).Msg("sink closed")
	}
	return runErr
}
