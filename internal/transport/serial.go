// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte channel to a receiver: a local USB serial
// port or a serial-over-WebSocket bridge. Both implement dexcom.Port.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds each read from the receiver
const DefaultReadTimeout = 5 * time.Second

// ErrTimeout is returned when the receiver sends nothing within the read
// timeout.
var ErrTimeout = errors.New("transport: read timeout")

// SerialPort wraps a serial port. A read that times out returns ErrTimeout
// instead of the (0, nil) the serial package reports, so io.ReadFull callers
// do not spin.
type SerialPort struct {
	port serial.Port
	name string
}

// OpenSerial opens name at baud, 8N1, with the given read timeout. A zero
// timeout selects DefaultReadTimeout.
func OpenSerial(name string, baud int, timeout time.Duration) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return &SerialPort{port: port, name: name}, nil
}

// Name returns the device path
func (s *SerialPort) Name() string {
	return s.name
}

func (s *SerialPort) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialPort) ResetInputBuffer() error {
	return s.port.ResetInputBuffer()
}

func (s *SerialPort) ResetOutputBuffer() error {
	return s.port.ResetOutputBuffer()
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}
