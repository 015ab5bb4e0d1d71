// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"sort"
	"strings"
)

// RecordType identifies one table of the receiver database.
type RecordType uint8

// Record types, numbered as the receiver indexes its database partitions
const (
	ManufacturingData     RecordType = 0
	FirmwareParameterData RecordType = 1
	PCSoftwareParameter   RecordType = 2
	SensorData            RecordType = 3
	EGVData               RecordType = 4
	CalSet                RecordType = 5
	Deviation             RecordType = 6
	InsertionTime         RecordType = 7
	ReceiverLogData       RecordType = 8
	ReceiverErrorData     RecordType = 9
	MeterData             RecordType = 10
	UserEventData         RecordType = 11
	UserSettingData       RecordType = 12
	BackfilledEGV         RecordType = 18
)

var recordTypeNames = map[RecordType]string{
	ManufacturingData:     "MANUFACTURING_DATA",
	FirmwareParameterData: "FIRMWARE_PARAMETER_DATA",
	PCSoftwareParameter:   "PC_SOFTWARE_PARAMETER",
	SensorData:            "SENSOR_DATA",
	EGVData:               "EGV_DATA",
	CalSet:                "CAL_SET",
	Deviation:             "DEVIATION",
	InsertionTime:         "INSERTION_TIME",
	ReceiverLogData:       "RECEIVER_LOG_DATA",
	ReceiverErrorData:     "RECEIVER_ERROR_DATA",
	MeterData:             "METER_DATA",
	UserEventData:         "USER_EVENT_DATA",
	UserSettingData:       "USER_SETTING_DATA",
	BackfilledEGV:         "BACKFILLED_EGV",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN_RECORD_TYPE"
}

// ParseRecordType resolves a record type by its database name (case-insensitive).
func ParseRecordType(name string) (RecordType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for t, n := range recordTypeNames {
		if n == upper {
			return t, nil
		}
	}
	return 0, &UnsupportedRecordTypeError{Name: name}
}

// Generation is the receiver hardware family. It selects the record layouts
// used to decode database pages.
type Generation uint8

const (
	GenerationUnknown Generation = iota
	G4
	G5
	G6
)

func (g Generation) String() string {
	switch g {
	case G4:
		return "G4"
	case G5:
		return "G5"
	case G6:
		return "G6"
	default:
		return "unknown"
	}
}

// DetectGeneration maps a firmware version string to a receiver generation.
// "4." selects G4, "5.0." selects G5 and any other "5." version selects G6.
func DetectGeneration(firmwareVersion string) (Generation, error) {
	switch {
	case strings.HasPrefix(firmwareVersion, "4."):
		return G4, nil
	case strings.HasPrefix(firmwareVersion, "5.0."):
		return G5, nil
	case strings.HasPrefix(firmwareVersion, "5."):
		return G6, nil
	default:
		return GenerationUnknown, &UnrecognizedFirmwareError{Version: firmwareVersion}
	}
}

func (g Generation) layouts() map[RecordType]recordLayout {
	switch g {
	case G4:
		return layoutsG4
	case G5:
		return layoutsG5
	case G6:
		return layoutsG6
	default:
		return nil
	}
}

// Supports reports whether records of type t can be decoded for this generation
func (g Generation) Supports(t RecordType) bool {
	_, ok := g.layouts()[t]
	return ok
}

// RecordTypes lists the decodable record types of this generation in index order
func (g Generation) RecordTypes() []RecordType {
	var types []RecordType
	for t := range g.layouts() {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (g Generation) layout(t RecordType) (recordLayout, error) {
	layout, ok := g.layouts()[t]
	if !ok {
		return recordLayout{}, &UnsupportedRecordTypeError{Name: t.String(), Generation: g}
	}
	return layout, nil
}
