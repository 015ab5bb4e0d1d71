// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Glucostat - Dexcom CGM receiver and Share bridge
//
// Reads glucose values from a Dexcom receiver over USB and from the Dexcom
// Share service and forwards them to the configured sinks.

package main

import (
	"os"

	"github.com/Thermoquad/glucostat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
