// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package dexcom implements the serial protocol spoken by Dexcom G4, G5 and G6
// receivers over their USB CDC interface.
//
// The package covers frame encoding and decoding with CRC-16 validation, the
// request/response command layer, per-generation binary record layouts and
// paginated access to the receiver's on-board database.
package dexcom

import "time"

// Frame layout
const (
	StartByte = 0x01

	HeaderSize     = 4 // start byte + u16 length + command
	TrailerSize    = 2 // CRC-16, little-endian
	MinPacketSize  = HeaderSize + TrailerSize
	MaxPacketSize  = 1590
	MaxPayloadSize = MaxPacketSize - MinPacketSize
)

// USB identification of the receiver's CDC interface
const (
	USBVendorID  = 0x22A3
	USBProductID = 0x0047

	DefaultBaudRate = 115200
)

// Response codes
const (
	CmdAck                      = 1
	CmdNak                      = 2
	CmdInvalidCommand           = 3
	CmdInvalidParam             = 4
	CmdIncompletePacketReceived = 5
	CmdReceiverError            = 6
	CmdInvalidMode              = 7
)

// Commands
const (
	CmdPing                      = 10
	CmdReadFirmwareHeader        = 11
	CmdReadDatabasePartitionInfo = 15
	CmdReadDatabasePageRange     = 16
	CmdReadDatabasePages         = 17
	CmdReadDatabasePageHeader    = 18
	CmdReadTransmitterID         = 25
	CmdReadLanguage              = 27
	CmdReadDisplayTimeOffset     = 29
	CmdReadRTC                   = 31
	CmdReadBatteryLevel          = 33
	CmdReadSystemTime            = 34
	CmdReadSystemTimeOffset      = 35
	CmdReadGlucoseUnit           = 37
	CmdReadBlindedMode           = 39
	CmdReadClockMode             = 41
	CmdReadDeviceMode            = 43
	CmdReadBatteryState          = 48
	CmdReadHardwareBoardID       = 49
	CmdReadFirmwareSettings      = 54
	CmdReadEnableSetupWizardFlag = 55
	CmdReadSetupWizardState      = 57
	CmdReadChargerCurrentSetting = 59
)

// Epoch is the receiver's time origin. Every device timestamp is a count of
// seconds since this instant.
var Epoch = time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeviceTime converts receiver seconds to an absolute UTC time.
func DeviceTime(secs uint32) time.Time {
	return Epoch.Add(time.Duration(secs) * time.Second)
}

// DeviceSeconds converts an absolute time to receiver seconds. Times before the
// epoch clamp to zero.
func DeviceSeconds(t time.Time) uint32 {
	d := t.Sub(Epoch)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

// EGV field masks
const (
	EGVDisplayOnlyMask = 0x8000
	EGVValueMask       = 0x0FFF
	EGVTrendMask       = 0x0F
	EGVNoiseMask       = 0x70
)

// SpecialGlucoseValues maps reserved EGV values to the sensor condition they
// encode instead of a reading.
var SpecialGlucoseValues = map[uint16]string{
	1:  "SENSOR_NOT_ACTIVE",
	2:  "MINIMAL_DEVIATION",
	3:  "NO_ANTENNA",
	5:  "SENSOR_NOT_CALIBRATED",
	6:  "COUNTS_DEVIATION",
	9:  "ABSOLUTE_DEVIATION",
	10: "POWER_DEVIATION",
	12: "BAD_RF",
}

// BatteryStates is indexed by the READ_BATTERY_STATE response byte.
var BatteryStates = []string{"", "CHARGING", "NOT_CHARGING", "NTC_FAULT", "BAD_BATTERY"}

// GlucoseUnits is indexed by the READ_GLUCOSE_UNIT response byte.
var GlucoseUnits = []string{"", "mg/dL", "mmol/L"}

// ClockModes is indexed by the READ_CLOCK_MODE response byte (hours per cycle).
var ClockModes = []int{24, 12}

// ChargerCurrentSettings is indexed by the READ_CHARGER_CURRENT_SETTING response byte.
var ChargerCurrentSettings = []string{"Off", "Power100mA", "Power500mA", "PowerMax", "PowerSuspended"}

// Languages maps READ_LANGUAGE codes to names.
var Languages = map[uint16]string{
	0:    "Unknown",
	1033: "English",
	1031: "German",
	1036: "French",
	1040: "Italian",
	1034: "Spanish",
	1043: "Dutch",
	1053: "Swedish",
}

// CommandName returns a human-readable name for a command or response code.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdAck:
		return "ACK"
	case CmdNak:
		return "NAK"
	case CmdInvalidCommand:
		return "INVALID_COMMAND"
	case CmdInvalidParam:
		return "INVALID_PARAM"
	case CmdIncompletePacketReceived:
		return "INCOMPLETE_PACKET_RECEIVED"
	case CmdReceiverError:
		return "RECEIVER_ERROR"
	case CmdInvalidMode:
		return "INVALID_MODE"
	case CmdPing:
		return "PING"
	case CmdReadFirmwareHeader:
		return "READ_FIRMWARE_HEADER"
	case CmdReadDatabasePartitionInfo:
		return "READ_DATABASE_PARTITION_INFO"
	case CmdReadDatabasePageRange:
		return "READ_DATABASE_PAGE_RANGE"
	case CmdReadDatabasePages:
		return "READ_DATABASE_PAGES"
	case CmdReadDatabasePageHeader:
		return "READ_DATABASE_PAGE_HEADER"
	case CmdReadTransmitterID:
		return "READ_TRANSMITTER_ID"
	case CmdReadLanguage:
		return "READ_LANGUAGE"
	case CmdReadDisplayTimeOffset:
		return "READ_DISPLAY_TIME_OFFSET"
	case CmdReadRTC:
		return "READ_RTC"
	case CmdReadBatteryLevel:
		return "READ_BATTERY_LEVEL"
	case CmdReadSystemTime:
		return "READ_SYSTEM_TIME"
	case CmdReadSystemTimeOffset:
		return "READ_SYSTEM_TIME_OFFSET"
	case CmdReadGlucoseUnit:
		return "READ_GLUCOSE_UNIT"
	case CmdReadBlindedMode:
		return "READ_BLINDED_MODE"
	case CmdReadClockMode:
		return "READ_CLOCK_MODE"
	case CmdReadDeviceMode:
		return "READ_DEVICE_MODE"
	case CmdReadBatteryState:
		return "READ_BATTERY_STATE"
	case CmdReadHardwareBoardID:
		return "READ_HARDWARE_BOARD_ID"
	case CmdReadFirmwareSettings:
		return "READ_FIRMWARE_SETTINGS"
	case CmdReadEnableSetupWizardFlag:
		return "READ_ENABLE_SETUP_WIZARD_FLAG"
	case CmdReadSetupWizardState:
		return "READ_SETUP_WIZARD_STATE"
	case CmdReadChargerCurrentSetting:
		return "READ_CHARGER_CURRENT_SETTING"
	default:
		return "UNKNOWN"
	}
}
