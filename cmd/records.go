// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

var (
	recordsType  string
	recordsLimit int
	recordsCheck bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Print database records, most recent first",
	Long: `Read one table of the receiver database and print its records, most recent
first.

With --check each record is also validated and anomalies are highlighted:
  - Timestamps after the receiver's clock
  - Display time more than a day from system time
  - Glucose outside 39..401, unknown trend codes, sensor special values
  - Zero calibration slopes and implausible meter values

Examples:
  glucostat records --type EGV_DATA --limit 12
  glucostat records --type METER_DATA --check`,
	RunE: runRecords,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.Flags().StringVarP(&recordsType, "type", "t", "EGV_DATA", "Record type")
	recordsCmd.Flags().IntVarP(&recordsLimit, "limit", "n", 0, "Stop after N records (0 for all)")
	recordsCmd.Flags().BoolVar(&recordsCheck, "check", false, "Validate records and report anomalies")
}

func runRecords(cmd *cobra.Command, args []string) error {
	t, err := dexcom.ParseRecordType(recordsType)
	if err != nil {
		return err
	}

	receiver, _, err := OpenReceiver()
	if err != nil {
		return err
	}
	defer receiver.Close()

	if !receiver.Generation().Supports(t) {
		return fmt.Errorf("%s receivers do not store %s (available: %s)",
			receiver.Generation(), t, strings.Join(recordTypeNames(receiver.Generation()), ", "))
	}

	now, err := receiver.ReadSystemTime()
	if err != nil {
		return err
	}

	count, anomalies := 0, 0
	for rec, err := range receiver.IterRecordsRecentFirst(t) {
		if err != nil {
			return err
		}
		fmt.Println(dexcom.FormatRecord(rec))
		count++

		if recordsCheck {
			issues := dexcom.CheckRecord(rec, now)
			receiver.Statistics().RecordAnomalies(len(issues))
			for _, issue := range issues {
				fmt.Printf("  \033[1;33mANOMALY:\033[0m %s\n", issue.Message)
			}
			anomalies += len(issues)
		}

		if recordsLimit > 0 && count >= recordsLimit {
			break
		}
	}

	fmt.Printf("\n%d %s records", count, t)
	if recordsCheck {
		fmt.Printf(", %d anomalies", anomalies)
	}
	fmt.Println()
	return nil
}
