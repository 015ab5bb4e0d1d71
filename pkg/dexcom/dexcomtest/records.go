// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcomtest

import (
	"encoding/binary"
	"math"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// Builders in this file write raw database records field by field, with a
// valid trailing CRC, so that tests exercise the decoder against an
// independent encoding.

func le16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func le32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func le64f(b []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
}

func fixedString(b []byte, s string, n int) []byte {
	field := make([]byte, n)
	copy(field, s)
	return append(b, field...)
}

// Seal appends the record CRC to body
func Seal(body []byte) []byte {
	return le16(body, dexcom.CalculateCRC(body))
}

// EGV builds an EGV record in the layout of generation g. G5 and G6 records
// carry the system time as meter time.
func EGV(g dexcom.Generation, system, display uint32, glucose uint16, trend uint8) []byte {
	b := le32(le32(nil, system), display)
	b = le16(b, glucose)
	if g == dexcom.G4 {
		b = append(b, trend)
		return Seal(b)
	}
	b = le32(b, system)
	b = append(b, 0)
	b = le32(b, 0x01000000|uint32(system&0xFFFF))
	b = append(b, trend, 0)
	b = le16(b, 0)
	return Seal(b)
}

// Meter builds a meter record in the layout of generation g
func Meter(g dexcom.Generation, system, display uint32, glucose uint16, meterTime uint32) []byte {
	b := le32(le32(nil, system), display)
	b = le16(b, glucose)
	if g == dexcom.G4 {
		b = le32(b, meterTime)
		return Seal(b)
	}
	b = append(b, 0)
	b = le32(b, meterTime)
	b = le32(b, 0)
	return Seal(b)
}

// Event builds a user event record
func Event(system, display uint32, eventType, subType uint8, eventTime, value uint32) []byte {
	b := le32(le32(nil, system), display)
	b = append(b, eventType, subType)
	b = le32(b, eventTime)
	b = le32(b, value)
	return Seal(b)
}

// Insertion builds an insertion record in the layout of generation g
func Insertion(g dexcom.Generation, system, display, inserted uint32, state uint8, transmitter string) []byte {
	b := le32(le32(nil, system), display)
	b = le32(b, inserted)
	b = append(b, state)
	if g == dexcom.G4 {
		return Seal(b)
	}
	b = le32(b, 1)
	b = fixedString(b, transmitter, 6)
	return Seal(b)
}

// Sensor builds a sensor record
func Sensor(system, display, unfiltered, filtered uint32, rssi int16) []byte {
	b := le32(le32(nil, system), display)
	b = le32(b, unfiltered)
	b = le32(b, filtered)
	b = le16(b, uint16(rssi))
	return Seal(b)
}

// Calibration builds a calibration record padded to the slot size of the
// given page revision.
func Calibration(revision uint8, system, display uint32, slope, intercept, scale, decay float64, subs []dexcom.SubCalibration) []byte {
	size := dexcom.CalibrationSize
	if revision < 2 {
		size = dexcom.CalibrationLegacySize
	}

	b := le32(le32(nil, system), display)
	b = le64f(b, slope)
	b = le64f(b, intercept)
	b = le64f(b, scale)
	b = append(b, 0, 0, 0)
	b = le64f(b, decay)
	b = append(b, uint8(len(subs)))
	for _, s := range subs {
		b = le32(b, s.EnteredSeconds)
		b = le32(b, s.Meter)
		b = le32(b, s.Sensor)
		b = le32(b, s.AppliedSeconds)
		b = append(b, s.Unknown)
	}
	if pad := size - dexcom.TrailerSize - len(b); pad > 0 {
		b = append(b, make([]byte, pad)...)
	}
	return Seal(b)
}

// UserSettings builds a user settings record in the layout of generation g
// (G5 or G6).
func UserSettings(g dexcom.Generation, system, display uint32, transmitter string, high, low uint16) []byte {
	b := le32(le32(nil, system), display)
	b = le32(le32(b, 0), 0)
	b = fixedString(b, transmitter, 6)
	b = le32(b, 0)
	b = le16(b, high)
	b = le16(b, 0)
	b = le16(b, low)
	b = le16(b, 0)
	b = le16(b, 2)
	b = le16(b, 2)
	b = le16(b, 30)
	b = le16(b, 0)
	b = append(b, 1, 0)
	if g == dexcom.G6 {
		b = le16(b, 30)
		b = append(b, 0)
		b = fixedString(b, "5678", 4)
		b = append(b, make([]byte, 7)...)
		return Seal(b)
	}
	b = le32(b, 0)
	return Seal(b)
}

// XML builds an XML record
func XML(system, display uint32, doc string) []byte {
	b := le32(le32(nil, system), display)
	b = fixedString(b, doc, 490)
	return Seal(b)
}
