// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show receiver identity, clocks and database size",
	Long: `Connect to the receiver and print its firmware header, generation, serial
number, transmitter id, battery, display settings, clocks and the number of
pages held for each record type.

Fields the receiver does not answer are shown as errors; the remaining fields
are still printed.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	receiver, connInfo, err := OpenReceiver()
	if err != nil {
		return err
	}
	defer receiver.Close()

	fw := receiver.Firmware()
	fmt.Printf("Glucostat - Receiver Info\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	fmt.Printf("%-20s %s\n", "Product:", fw.ProductName)
	fmt.Printf("%-20s %s\n", "Generation:", receiver.Generation())
	fmt.Printf("%-20s %s\n", "Firmware:", fw.FirmwareVersion)
	fmt.Printf("%-20s %s\n", "Software number:", fw.SoftwareNumber)
	fmt.Printf("%-20s %s\n", "API version:", fw.APIVersion)

	if m, err := receiver.ReadManufacturingData(); err == nil {
		fmt.Printf("%-20s %s\n", "Serial number:", m.SerialNumber)
		fmt.Printf("%-20s %s rev %s\n", "Hardware:", m.HardwarePartNumber, m.HardwareRevision)
	} else {
		printField("Serial number:", "", err)
	}

	txID, err := receiver.ReadTransmitterID()
	printField("Transmitter:", txID, err)

	state, err := receiver.ReadBatteryState()
	printField("Battery state:", state, err)
	level, err := receiver.ReadBatteryLevel()
	printField("Battery level:", fmt.Sprintf("%d%%", level), err)

	unit, err := receiver.ReadGlucoseUnit()
	printField("Glucose unit:", unit, err)
	mode, err := receiver.ReadClockMode()
	printField("Clock mode:", fmt.Sprintf("%dh", mode), err)
	lang, err := receiver.ReadLanguage()
	printField("Language:", lang, err)
	charger, err := receiver.ReadChargerCurrentSetting()
	printField("Charger:", charger, err)

	fmt.Println()
	now := time.Now()
	if sys, err := receiver.ReadSystemTime(); err == nil {
		fmt.Printf("%-20s %s (offset %v)\n", "System time:", sys.Format(time.RFC3339), now.Sub(sys).Round(time.Second))
	} else {
		printField("System time:", "", err)
	}
	disp, err := receiver.ReadDisplayTime()
	printField("Display time:", disp.Format(time.RFC3339), err)

	fmt.Printf("\nDatabase pages:\n")
	for _, t := range receiver.Generation().RecordTypes() {
		pr, err := receiver.ReadPageRange(t)
		if err != nil {
			printField(t.String()+":", "", err)
			continue
		}
		fmt.Printf("  %-24s %d\n", t.String()+":", pr.Pages())
	}

	fmt.Printf("\n%s", receiver.Statistics().Snapshot().String())
	return nil
}

func printField(label, value string, err error) {
	if err != nil {
		fmt.Printf("%-20s (error: %v)\n", label, err)
		return
	}
	fmt.Printf("%-20s %s\n", label, value)
}

// recordTypeNames lists the names accepted by --type
func recordTypeNames(g dexcom.Generation) []string {
	types := g.RecordTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}
