// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// Options selects how a receiver is reached. A bridge URL wins over a port
// name; with neither, the first attached receiver is used.
type Options struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Bridge      BridgeConfig
}

// Open opens the receiver channel and returns it with a description for
// display.
func Open(opts Options) (dexcom.Port, string, error) {
	if opts.Bridge.URL != "" {
		if opts.Bridge.ReadTimeout == 0 {
			opts.Bridge.ReadTimeout = opts.ReadTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		port, err := DialBridge(ctx, opts.Bridge)
		if err != nil {
			return nil, "", err
		}
		return port, fmt.Sprintf("WebSocket: %s", opts.Bridge.URL), nil
	}

	name := opts.Port
	if name == "" || name == "auto" {
		found, err := FindReceiver()
		if err != nil {
			return nil, "", err
		}
		name = found
	}
	baud := opts.Baud
	if baud == 0 {
		baud = dexcom.DefaultBaudRate
	}
	port, err := OpenSerial(name, baud, opts.ReadTimeout)
	if err != nil {
		return nil, "", err
	}
	return port, fmt.Sprintf("Serial: %s @ %d baud", name, baud), nil
}

// Opener returns a function that opens the receiver channel on each call,
// for sessions that reconnect after a failure.
func Opener(opts Options) func() (dexcom.Port, error) {
	return func() (dexcom.Port, error) {
		port, _, err := Open(opts)
		return port, err
	}
}
