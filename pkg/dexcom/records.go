// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"bytes"
	"time"
)

// Record is one decoded entry of the receiver database. Every record carries
// the receiver's system and display timestamps and the raw bytes it was
// decoded from, CRC included.
type Record interface {
	Type() RecordType
	SystemSeconds() uint32
	DisplaySeconds() uint32
	SystemTime() time.Time
	DisplayTime() time.Time
	Raw() []byte
}

type baseRecord struct {
	recordType RecordType
	system     uint32
	display    uint32
	raw        []byte
}

func (r *baseRecord) Type() RecordType       { return r.recordType }
func (r *baseRecord) SystemSeconds() uint32  { return r.system }
func (r *baseRecord) DisplaySeconds() uint32 { return r.display }
func (r *baseRecord) SystemTime() time.Time  { return DeviceTime(r.system) }
func (r *baseRecord) DisplayTime() time.Time { return DeviceTime(r.display) }
func (r *baseRecord) Raw() []byte            { return r.raw }

// EGVRecord is an estimated glucose value. G4 receivers store a 13-byte
// record; G5 and G6 receivers add the meter time and a test number.
type EGVRecord struct {
	baseRecord
	FullGlucose  uint16
	FullTrend    uint8
	MeterSeconds uint32
	TestNumber   uint32
	hasMeterTime bool
}

// DisplayOnly reports whether the receiver flagged the value as not
// committable (calibration or warm-up artefact).
func (r *EGVRecord) DisplayOnly() bool {
	return r.FullGlucose&EGVDisplayOnlyMask != 0
}

// Glucose returns the glucose value with the flag bits removed
func (r *EGVRecord) Glucose() uint16 {
	return r.FullGlucose & EGVValueMask
}

// SpecialMeaning returns the sensor condition encoded in place of a reading,
// or "" for an ordinary value.
func (r *EGVRecord) SpecialMeaning() string {
	return SpecialGlucoseValues[r.Glucose()]
}

// IsSpecial reports whether the value is a sensor condition code
func (r *EGVRecord) IsSpecial() bool {
	return r.SpecialMeaning() != ""
}

// Trend returns the trend arrow code (0-9)
func (r *EGVRecord) Trend() uint8 {
	return r.FullTrend & EGVTrendMask
}

// Noise returns the noise level carried in the trend byte
func (r *EGVRecord) Noise() uint8 {
	return (r.FullTrend & EGVNoiseMask) >> 4
}

// MeterTime returns the meter timestamp, present on G5 and G6 records only
func (r *EGVRecord) MeterTime() (time.Time, bool) {
	if !r.hasMeterTime {
		return time.Time{}, false
	}
	return DeviceTime(r.MeterSeconds), true
}

// MeterRecord is a fingerstick reading entered on the receiver.
type MeterRecord struct {
	baseRecord
	MeterGlucose uint16
	MeterSeconds uint32
	Unknown1     uint8
	Unknown2     uint32
}

// MeterTime returns the meter timestamp
func (r *MeterRecord) MeterTime() time.Time {
	return DeviceTime(r.MeterSeconds)
}

// Event types
var eventTypes = []string{"", "CARBS", "INSULIN", "HEALTH", "EXERCISE", "MAX_VALUE"}

var eventSubTypes = map[uint8][]string{
	3: {"", "ILLNESS", "STRESS", "HIGH_SYMPTOMS", "LOW_SYMPTOMS", "CYCLE", "ALCOHOL"},
	4: {"", "LIGHT", "MEDIUM", "HEAVY", "MAX_VALUE"},
}

// EventRecord is a user-entered event: carbs, insulin, health or exercise.
type EventRecord struct {
	baseRecord
	EventType    uint8
	EventSubType uint8
	EventSeconds uint32
	RawValue     uint32
}

// EventTypeName returns the event type name, or "" when unknown
func (r *EventRecord) EventTypeName() string {
	if int(r.EventType) < len(eventTypes) {
		return eventTypes[r.EventType]
	}
	return ""
}

// EventSubTypeName returns the sub-type name for health and exercise events
func (r *EventRecord) EventSubTypeName() string {
	names, ok := eventSubTypes[r.EventType]
	if !ok || int(r.EventSubType) >= len(names) {
		return ""
	}
	return names[r.EventSubType]
}

// EventTime returns when the event happened
func (r *EventRecord) EventTime() time.Time {
	return DeviceTime(r.EventSeconds)
}

// Value returns the event amount. Insulin is stored in hundredths of a unit.
func (r *EventRecord) Value() float64 {
	if r.EventTypeName() == "INSULIN" {
		return float64(r.RawValue) / 100.0
	}
	return float64(r.RawValue)
}

var insertionStates = []string{
	"", "REMOVED", "EXPIRED", "RESIDUAL_DEVIATION", "COUNTS_DEVIATION",
	"SECOND_SESSION", "OFF_TIME_LOSS", "STARTED", "BAD_TRANSMITTER", "MANUFACTURING_MODE",
}

// InsertionRecord marks a sensor session state change.
type InsertionRecord struct {
	baseRecord
	InsertionSeconds uint32
	State            uint8
	Number           uint32
	Transmitter      string
}

// InsertionTime returns when the sensor was inserted. The receiver stores
// 0xFFFFFFFF when the insertion time equals the system time.
func (r *InsertionRecord) InsertionTime() time.Time {
	if r.InsertionSeconds == 0xFFFFFFFF {
		return r.SystemTime()
	}
	return DeviceTime(r.InsertionSeconds)
}

// StateName returns the session state name
func (r *InsertionRecord) StateName() string {
	if int(r.State) < len(insertionStates) {
		return insertionStates[r.State]
	}
	return "UNKNOWN"
}

// SensorRecord carries the raw sensor signal behind an EGV.
type SensorRecord struct {
	baseRecord
	Unfiltered uint32
	Filtered   uint32
	RSSI       int16
}

// SubCalibration is one meter/sensor pair inside a calibration record.
type SubCalibration struct {
	EnteredSeconds uint32
	Meter          uint32
	Sensor         uint32
	AppliedSeconds uint32
	Unknown        uint8
}

// Entered returns when the calibration was entered
func (s SubCalibration) Entered() time.Time { return DeviceTime(s.EnteredSeconds) }

// Applied returns when the calibration was applied
func (s SubCalibration) Applied() time.Time { return DeviceTime(s.AppliedSeconds) }

// CalibrationRecord is a calibration set: the fitted line plus the meter
// readings it was computed from.
type CalibrationRecord struct {
	baseRecord
	Slope           float64
	Intercept       float64
	Scale           float64
	Decay           float64
	Unknown         [3]byte
	SubCalibrations []SubCalibration
}

// UserSettingsRecord is a snapshot of the alert configuration. A new record
// is written every time a setting changes.
type UserSettingsRecord struct {
	baseRecord
	Transmitter         string
	HighAlert           uint16
	HighRepeat          uint16
	LowAlert            uint16
	LowRepeat           uint16
	RiseRate            uint16
	FallRate            uint16
	OutOfRangeAlert     uint16
	SoundsType          uint8
	UrgentLowSoonRepeat uint16 // G6 only
	SensorCode          string // G6 only
}

// XMLRecord holds an XML document stored in the database, such as the
// manufacturing parameters.
type XMLRecord struct {
	baseRecord
	XML string
}

// trimNul returns the text before the first NUL byte
func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
