// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrGenerationUnknown is returned by database reads issued before the
// receiver generation has been detected.
var ErrGenerationUnknown = errors.New("receiver generation not detected")

// Port is the byte channel to a receiver. go.bug.st/serial ports satisfy it
// directly.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// FirmwareHeader is the READ_FIRMWARE_HEADER document.
type FirmwareHeader struct {
	SchemaVersion   string `xml:"SchemaVersion,attr" json:"schema_version"`
	APIVersion      string `xml:"ApiVersion,attr" json:"api_version"`
	TestAPIVersion  string `xml:"TestApiVersion,attr" json:"test_api_version"`
	ProductID       string `xml:"ProductId,attr" json:"product_id"`
	ProductName     string `xml:"ProductName,attr" json:"product_name"`
	SoftwareNumber  string `xml:"SoftwareNumber,attr" json:"software_number"`
	FirmwareVersion string `xml:"FirmwareVersion,attr" json:"firmware_version"`
	PortVersion     string `xml:"PortVersion,attr" json:"port_version"`
	RFVersion       string `xml:"RFVersion,attr" json:"rf_version"`
	DexBootVersion  string `xml:"DexBootVersion,attr" json:"dex_boot_version"`
}

// FirmwareSettings is the READ_FIRMWARE_SETTINGS document.
type FirmwareSettings struct {
	FirmwareImageID string `xml:"FirmwareImageId,attr" json:"firmware_image_id"`
}

// Partition describes one database partition.
type Partition struct {
	Name           string `xml:"Name,attr" json:"name"`
	ID             int    `xml:"Id,attr" json:"id"`
	RecordRevision int    `xml:"RecordRevision,attr" json:"record_revision"`
	RecordLength   int    `xml:"RecordLength,attr" json:"record_length"`
}

// PartitionInfo is the READ_DATABASE_PARTITION_INFO document.
type PartitionInfo struct {
	SchemaVersion string      `xml:"SchemaVersion,attr" json:"schema_version"`
	PageHeaderVer string      `xml:"PageHeaderVersion,attr" json:"page_header_version"`
	PageDataLen   string      `xml:"PageDataLength,attr" json:"page_data_length"`
	Partitions    []Partition `xml:"Partition" json:"partitions"`
}

// ManufacturingParameters is the XML document held in the first
// MANUFACTURING_DATA record.
type ManufacturingParameters struct {
	SerialNumber       string `xml:"SerialNumber,attr" json:"serial_number"`
	HardwarePartNumber string `xml:"HardwarePartNumber,attr" json:"hardware_part_number"`
	HardwareRevision   string `xml:"HardwareRevision,attr" json:"hardware_revision"`
	DateTimeCreated    string `xml:"DateTimeCreated,attr" json:"date_time_created"`
	HardwareID         string `xml:"HardwareId,attr" json:"hardware_id"`
}

// Receiver issues commands to a receiver over a Port. A Receiver is not safe
// for concurrent use; callers serialize access.
type Receiver struct {
	port       Port
	generation Generation
	firmware   *FirmwareHeader
	stats      *Statistics
}

// NewReceiver wraps an open port. Call Connect before reading the database.
func NewReceiver(port Port) *Receiver {
	return &Receiver{
		port:  port,
		stats: NewStatistics(),
	}
}

// NewReceiverWithStatistics wraps an open port and accumulates exchange
// counters into stats, so counts survive reconnects.
func NewReceiverWithStatistics(port Port, stats *Statistics) *Receiver {
	return &Receiver{
		port:  port,
		stats: stats,
	}
}

// Statistics returns the receiver's exchange counters
func (r *Receiver) Statistics() *Statistics {
	return r.stats
}

// Generation returns the detected receiver generation
func (r *Receiver) Generation() Generation {
	return r.generation
}

// SetGeneration overrides generation detection, for receivers whose firmware
// header is known out of band.
func (r *Receiver) SetGeneration(g Generation) {
	r.generation = g
}

// Firmware returns the firmware header read by Connect, or nil
func (r *Receiver) Firmware() *FirmwareHeader {
	return r.firmware
}

// Connect clears the port buffers, reads the firmware header and selects the
// record layouts for the receiver's generation.
func (r *Receiver) Connect() (*FirmwareHeader, error) {
	if err := r.flush(); err != nil {
		return nil, err
	}
	header, err := r.ReadFirmwareHeader()
	if err != nil {
		return nil, err
	}
	gen, err := DetectGeneration(header.FirmwareVersion)
	if err != nil {
		return header, err
	}
	r.firmware = header
	r.generation = gen
	return header, nil
}

// Close clears the port buffers and closes the port. Junk left in the buffers
// by an interrupted exchange can wedge the port on the next open.
func (r *Receiver) Close() error {
	_ = r.flush()
	return r.port.Close()
}

func (r *Receiver) flush() error {
	if err := r.port.ResetInputBuffer(); err != nil {
		return &TransportError{Op: "reset input", Err: err}
	}
	if err := r.port.ResetOutputBuffer(); err != nil {
		return &TransportError{Op: "reset output", Err: err}
	}
	return nil
}

// Execute sends one command frame and blocks until the response frame has
// been read. Any response code is returned; see command for ACK checking.
func (r *Receiver) Execute(command uint8, payload []byte) (*Packet, error) {
	frame, err := EncodeFrame(command, payload)
	if err != nil {
		return nil, err
	}
	if err := ValidateFrame(frame); err != nil {
		return nil, err
	}
	if err := r.flush(); err != nil {
		r.stats.RecordExchange(nil, err)
		return nil, err
	}
	if _, err := r.port.Write(frame); err != nil {
		err = &TransportError{Op: "write", Err: err}
		r.stats.RecordExchange(nil, err)
		return nil, err
	}

	resp, err := ReadPacket(r.port)
	r.stats.RecordExchange(resp, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// command executes and requires an ACK response
func (r *Receiver) command(command uint8, payload []byte) ([]byte, error) {
	resp, err := r.Execute(command, payload)
	if err != nil {
		return nil, err
	}
	if !resp.IsAck() {
		return nil, &UnexpectedResponseError{Request: command, Response: resp.Command()}
	}
	return resp.Payload(), nil
}

// commandSized executes and requires at least n payload bytes
func (r *Receiver) commandSized(command uint8, n int) ([]byte, error) {
	payload, err := r.command(command, nil)
	if err != nil {
		return nil, err
	}
	if len(payload) < n {
		return nil, &InvalidPacketError{
			Length: len(payload),
			Reason: fmt.Sprintf("%s response needs %d payload bytes", CommandName(command), n),
		}
	}
	return payload, nil
}

// Ping reports whether the receiver acknowledged a PING
func (r *Receiver) Ping() (bool, error) {
	resp, err := r.Execute(CmdPing, nil)
	if err != nil {
		return false, err
	}
	return resp.IsAck(), nil
}

func (r *Receiver) readXML(command uint8, v any) error {
	payload, err := r.command(command, nil)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal([]byte(trimNul(payload)), v); err != nil {
		return fmt.Errorf("%s: %w", CommandName(command), err)
	}
	return nil
}

// ReadFirmwareHeader reads the firmware header document
func (r *Receiver) ReadFirmwareHeader() (*FirmwareHeader, error) {
	var h FirmwareHeader
	if err := r.readXML(CmdReadFirmwareHeader, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ReadFirmwareSettings reads the firmware settings document
func (r *Receiver) ReadFirmwareSettings() (*FirmwareSettings, error) {
	var s FirmwareSettings
	if err := r.readXML(CmdReadFirmwareSettings, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ReadPartitionInfo reads the database partition table
func (r *Receiver) ReadPartitionInfo() (*PartitionInfo, error) {
	var p PartitionInfo
	if err := r.readXML(CmdReadDatabasePartitionInfo, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ReadTransmitterID returns the paired transmitter serial
func (r *Receiver) ReadTransmitterID() (string, error) {
	payload, err := r.command(CmdReadTransmitterID, nil)
	if err != nil {
		return "", err
	}
	return trimNul(payload), nil
}

// ReadLanguage returns the display language name
func (r *Receiver) ReadLanguage() (string, error) {
	payload, err := r.commandSized(CmdReadLanguage, 2)
	if err != nil {
		return "", err
	}
	code := binary.LittleEndian.Uint16(payload)
	if name, ok := Languages[code]; ok {
		return name, nil
	}
	return fmt.Sprintf("Language(%d)", code), nil
}

// ReadBatteryLevel returns the battery charge in percent
func (r *Receiver) ReadBatteryLevel() (uint32, error) {
	payload, err := r.commandSized(CmdReadBatteryLevel, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// ReadBatteryState returns the charger state name
func (r *Receiver) ReadBatteryState() (string, error) {
	payload, err := r.commandSized(CmdReadBatteryState, 1)
	if err != nil {
		return "", err
	}
	return lookup(BatteryStates, payload[0]), nil
}

func (r *Receiver) readTime(command uint8) (time.Time, error) {
	payload, err := r.commandSized(command, 4)
	if err != nil {
		return time.Time{}, err
	}
	return DeviceTime(binary.LittleEndian.Uint32(payload)), nil
}

func (r *Receiver) readOffset(command uint8) (time.Duration, error) {
	payload, err := r.commandSized(command, 4)
	if err != nil {
		return 0, err
	}
	return time.Duration(int32(binary.LittleEndian.Uint32(payload))) * time.Second, nil
}

// ReadRTC returns the raw real-time clock
func (r *Receiver) ReadRTC() (time.Time, error) {
	return r.readTime(CmdReadRTC)
}

// ReadSystemTime returns the receiver's system time, the clock every record's
// system timestamp is measured against.
func (r *Receiver) ReadSystemTime() (time.Time, error) {
	return r.readTime(CmdReadSystemTime)
}

// ReadSystemTimeOffset returns the offset between the RTC and system time
func (r *Receiver) ReadSystemTimeOffset() (time.Duration, error) {
	return r.readOffset(CmdReadSystemTimeOffset)
}

// ReadDisplayTimeOffset returns the user-set offset from system to display time
func (r *Receiver) ReadDisplayTimeOffset() (time.Duration, error) {
	return r.readOffset(CmdReadDisplayTimeOffset)
}

// ReadDisplayTime returns the time shown on the receiver's screen
func (r *Receiver) ReadDisplayTime() (time.Time, error) {
	system, err := r.ReadSystemTime()
	if err != nil {
		return time.Time{}, err
	}
	offset, err := r.ReadDisplayTimeOffset()
	if err != nil {
		return time.Time{}, err
	}
	return system.Add(offset), nil
}

// ReadGlucoseUnit returns "mg/dL" or "mmol/L"
func (r *Receiver) ReadGlucoseUnit() (string, error) {
	payload, err := r.commandSized(CmdReadGlucoseUnit, 1)
	if err != nil {
		return "", err
	}
	return lookup(GlucoseUnits, payload[0]), nil
}

// ReadClockMode returns 24 or 12
func (r *Receiver) ReadClockMode() (int, error) {
	payload, err := r.commandSized(CmdReadClockMode, 1)
	if err != nil {
		return 0, err
	}
	if int(payload[0]) >= len(ClockModes) {
		return 0, fmt.Errorf("clock mode %d out of range", payload[0])
	}
	return ClockModes[payload[0]], nil
}

// ReadDeviceMode returns the undocumented device mode payload
func (r *Receiver) ReadDeviceMode() ([]byte, error) {
	return r.command(CmdReadDeviceMode, nil)
}

// ReadBlindedMode reports whether glucose display is blinded
func (r *Receiver) ReadBlindedMode() (bool, error) {
	payload, err := r.commandSized(CmdReadBlindedMode, 1)
	if err != nil {
		return false, err
	}
	return payload[0] != 0, nil
}

// ReadHardwareBoardID returns the raw board id payload
func (r *Receiver) ReadHardwareBoardID() ([]byte, error) {
	return r.command(CmdReadHardwareBoardID, nil)
}

// ReadSetupWizardState returns the raw setup wizard payloads: the enable flag
// followed by the state.
func (r *Receiver) ReadSetupWizardState() (flag, state []byte, err error) {
	if flag, err = r.command(CmdReadEnableSetupWizardFlag, nil); err != nil {
		return nil, nil, err
	}
	if state, err = r.command(CmdReadSetupWizardState, nil); err != nil {
		return nil, nil, err
	}
	return flag, state, nil
}

// ReadChargerCurrentSetting returns the charger current limit name
func (r *Receiver) ReadChargerCurrentSetting() (string, error) {
	payload, err := r.commandSized(CmdReadChargerCurrentSetting, 1)
	if err != nil {
		return "", err
	}
	return lookup(ChargerCurrentSettings, payload[0]), nil
}

// ReadManufacturingData decodes the manufacturing parameters from the first
// MANUFACTURING_DATA record.
func (r *Receiver) ReadManufacturingData() (*ManufacturingParameters, error) {
	records, err := r.ReadAllRecords(ManufacturingData)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no records", ManufacturingData)
	}
	rec, ok := records[0].(*XMLRecord)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected record %T", ManufacturingData, records[0])
	}
	var m ManufacturingParameters
	if err := xml.Unmarshal([]byte(rec.XML), &m); err != nil {
		return nil, fmt.Errorf("%s: %w", ManufacturingData, err)
	}
	return &m, nil
}

func lookup(names []string, i uint8) string {
	if int(i) < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("UNKNOWN(%d)", i)
}
