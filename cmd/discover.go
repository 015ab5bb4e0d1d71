// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/internal/transport"
)

var discoverJSON bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List serial ports and find attached receivers",
	Long: `Enumerate the host's serial ports and mark Dexcom receivers, identified by
their USB vendor and product id (22A3:0047).

Examples:
  glucostat discover
  glucostat discover --json

Exit codes:
  0 - At least one receiver found
  1 - No receiver found
  2 - Enumeration error`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "Print ports as JSON")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
		os.Exit(2)
	}

	receivers := 0
	for _, p := range ports {
		if p.IsReceiver {
			receivers++
		}
	}

	if discoverJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ports); err != nil {
			return err
		}
	} else {
		fmt.Printf("Glucostat - Receiver Discovery\n\n")
		for _, p := range ports {
			marker := " "
			if p.IsReceiver {
				marker = "*"
			}
			fmt.Printf("%s %s", marker, p.Name)
			if p.USB {
				fmt.Printf("  USB %s:%s", p.VID, p.PID)
				if p.Product != "" {
					fmt.Printf("  %s", p.Product)
				}
				if p.Serial != "" {
					fmt.Printf("  serial=%s", p.Serial)
				}
			}
			fmt.Println()
		}

		fmt.Printf("\n--- Discovery summary ---\n")
		fmt.Printf("Ports found: %d\n", len(ports))
		fmt.Printf("Receivers found: %d\n", receivers)
	}

	if receivers == 0 {
		if !discoverJSON {
			fmt.Printf("No receiver discovered. Check the USB cable and that the receiver is on.\n")
		}
		os.Exit(1)
	}
	return nil
}
