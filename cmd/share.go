// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/clock"
	"github.com/Thermoquad/glucostat/internal/glucose"
	"github.com/Thermoquad/glucostat/internal/session"
)

var shareJSON bool

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Follow Dexcom Share and print each new value",
	Long: `Log in to Dexcom Share with the configured account and print every new
value as it is published, after an initial backfill of the last day.

The account is taken from share.username and share.password (or
GLUCOSTAT_SHARE_USERNAME / GLUCOSTAT_SHARE_PASSWORD); the password is
prompted for when not configured.`,
	RunE: runShare,
}

func init() {
	rootCmd.AddCommand(shareCmd)
	shareCmd.Flags().BoolVar(&shareJSON, "json", false, "Print one JSON object per value")
}

func runShare(cmd *cobra.Command, args []string) error {
	client, err := NewShareClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	show := func(values []glucose.Value) {
		for _, v := range values {
			if shareJSON {
				enc.Encode(v)
				continue
			}
			fmt.Printf("%s  %3d %s  %s\n",
				v.SensorTime().Local().Format("2006-01-02 15:04:05"), v.Rounded(), v.Trend().Arrow(), v.Trend())
		}
	}

	s := session.NewShareSession(client, clock.Real(), logger, show)
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}
