// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/transport"
	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Display receiver frames in human-readable format",
	Long: `Passively decode and display Dexcom protocol frames as they arrive.

Nothing is sent to the receiver. Each frame is shown with a timestamp, its
command or response name and a hex dump (or the XML text) of the payload.
Bytes that do not form a valid frame are skipped and reported.

Supports both serial and WebSocket connections.`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenPort()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Glucostat - Frame Sniffer\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := dexcom.NewDecoder()
	buf := make([]byte, 256)
	reported := 0

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			// A closed bridge or unplugged receiver does not come back
			if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				logger.Info().Msg("connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		for i := 0; i < n; i++ {
			packet, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if packet != nil {
				if s := decoder.Skipped() - reported; s > 0 {
					fmt.Printf("[SKIPPED] %d bytes before frame\n", s)
					reported = decoder.Skipped()
				}
				fmt.Print(dexcom.FormatPacket(packet))
			}
		}
	}
}
