// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the receiver link by sending PING commands",
	Long: `Send PING commands to the receiver and wait for each acknowledgement.

This is useful for verifying:
  - The serial port or WebSocket bridge is reachable
  - HTTP Basic authentication works (bridge only)
  - Frames survive the link with valid CRCs in both directions

Exit codes:
  0 - All pings acknowledged
  1 - One or more pings failed
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 100*time.Millisecond, "Delay between pings")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	port, connInfo, err := OpenPort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	receiver := dexcom.NewReceiver(port)
	defer receiver.Close()

	fmt.Printf("Glucostat - Receiver Ping Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		ok, err := receiver.Ping()
		rtt := time.Since(startTime)
		switch {
		case err != nil:
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		case !ok:
			fmt.Printf("NOT ACKNOWLEDGED, rtt=%v\n", rtt.Round(time.Millisecond))
			failCount++
		default:
			fmt.Printf("ACK, rtt=%v\n", rtt.Round(time.Millisecond))
			successCount++
		}

		if i < pingCount {
			time.Sleep(pingInterval)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d acknowledged, %.0f%% loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	fmt.Print(receiver.Statistics().Snapshot().String())

	if failCount > 0 {
		receiver.Close()
		os.Exit(1)
	}
	return nil
}
