// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// ErrNoDevice is returned by FindReceiver when no receiver is attached
var ErrNoDevice = errors.New("transport: no receiver attached")

// PortInfo describes one serial port found on the host
type PortInfo struct {
	Name       string `json:"name"`
	USB        bool   `json:"usb"`
	VID        string `json:"vid,omitempty"`
	PID        string `json:"pid,omitempty"`
	Serial     string `json:"serial,omitempty"`
	Product    string `json:"product,omitempty"`
	IsReceiver bool   `json:"is_receiver"`
}

// enumerate is replaced in tests
var enumerate = enumerator.GetDetailedPortsList

// ListPorts returns every serial port, marking receivers by USB id
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:       p.Name,
			USB:        p.IsUSB,
			VID:        strings.ToUpper(p.VID),
			PID:        strings.ToUpper(p.PID),
			Serial:     p.SerialNumber,
			Product:    p.Product,
			IsReceiver: p.IsUSB && matchesID(p.VID, dexcom.USBVendorID) && matchesID(p.PID, dexcom.USBProductID),
		})
	}
	return infos, nil
}

// FindReceiver returns the device path of the first attached receiver
func FindReceiver() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsReceiver {
			return p.Name, nil
		}
	}
	return "", ErrNoDevice
}

// matchesID compares a hex USB id string against id
func matchesID(hex string, id uint16) bool {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(hex), "0x"), 16, 16)
	return err == nil && uint16(v) == id
}
