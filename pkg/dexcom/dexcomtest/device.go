// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package dexcomtest provides an in-memory receiver that speaks the dexcom
// wire protocol, for tests and for running the service without hardware.
package dexcomtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
)

// ErrClosed is returned by a Device after Close
var ErrClosed = errors.New("dexcomtest: device closed")

// DefaultPageCapacity is the number of records stored per simulated page
const DefaultPageCapacity = 38

// Firmware versions that select each generation
const (
	FirmwareG4 = "4.0.1.048"
	FirmwareG5 = "5.0.1.043"
	FirmwareG6 = "5.1.1.022"
)

type table struct {
	revision uint8
	records  [][]byte
}

// Device is a simulated receiver. It implements dexcom.Port: every frame
// written to it is answered with a response frame that the next reads return.
type Device struct {
	mu sync.Mutex

	firmware      string
	serial        string
	transmitter   string
	systemTime    uint32
	clock         func() time.Time
	displayOffset int32
	batteryLevel  uint32
	pageCapacity  int
	tables        map[dexcom.RecordType]*table

	pending   bytes.Buffer
	closed    bool
	failure   error
	corrupt   int
	commands  []uint8
	pageReads map[dexcom.RecordType][]uint32

	onCommand func(cmd uint8)
}

// NewDevice creates a receiver reporting the given firmware version
func NewDevice(firmware string) *Device {
	d := &Device{
		firmware:     firmware,
		serial:       "SM00000001",
		transmitter:  "80ABCD",
		batteryLevel: 87,
		pageCapacity: DefaultPageCapacity,
		tables:       make(map[dexcom.RecordType]*table),
		pageReads:    make(map[dexcom.RecordType][]uint32),
	}
	doc := fmt.Sprintf(`<ManufacturingParameters SerialNumber="%s" HardwarePartNumber="MT23614" HardwareRevision="6" DateTimeCreated="2019-05-01 12:00:00.000" HardwareId="{00000000-0000-0000-0000-000000000000}" />`, d.serial)
	d.tables[dexcom.ManufacturingData] = &table{records: [][]byte{XML(0, 0, doc)}}
	return d
}

// SetSystemTime sets the receiver clock in device seconds
func (d *Device) SetSystemTime(secs uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemTime = secs
}

// SetClock makes the receiver clock follow now instead of a fixed value
func (d *Device) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = now
}

// SystemTime returns the receiver clock in device seconds
func (d *Device) SystemTime() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now()
}

func (d *Device) now() uint32 {
	if d.clock != nil {
		return dexcom.DeviceSeconds(d.clock())
	}
	return d.systemTime
}

// SetDisplayOffset sets the offset between system and display time
func (d *Device) SetDisplayOffset(secs int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayOffset = secs
}

// SetPageCapacity changes how many records each page holds
func (d *Device) SetPageCapacity(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageCapacity = n
}

// SetRevision sets the page revision reported for record type t
func (d *Device) SetRevision(t dexcom.RecordType, revision uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table(t).revision = revision
}

// AddRecords appends raw records, oldest first, to the table of type t
func (d *Device) AddRecords(t dexcom.RecordType, records ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tbl := d.table(t)
	tbl.records = append(tbl.records, records...)
}

// SetFailure makes every subsequent port operation fail with err. A nil err
// restores the device.
func (d *Device) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

// CorruptNext flips a CRC bit in the next n response frames
func (d *Device) CorruptNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt = n
}

// OnCommand registers a hook called with each command before it is answered.
// The hook runs without the device lock held and may block.
func (d *Device) OnCommand(fn func(cmd uint8)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCommand = fn
}

// Commands returns the commands received so far
func (d *Device) Commands() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.commands...)
}

// PageReads returns the page numbers read for type t, in request order
func (d *Device) PageReads(t dexcom.RecordType) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.pageReads[t]...)
}

func (d *Device) table(t dexcom.RecordType) *table {
	tbl, ok := d.tables[t]
	if !ok {
		tbl = &table{revision: 2}
		d.tables[t] = tbl
	}
	return tbl
}

// Read returns buffered response bytes
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.failure != nil {
		return 0, d.failure
	}
	if d.pending.Len() == 0 {
		return 0, io.EOF
	}
	return d.pending.Read(p)
}

// Write accepts one complete command frame and queues the response
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	if d.failure != nil {
		err := d.failure
		d.mu.Unlock()
		return 0, err
	}
	hook := d.onCommand
	d.mu.Unlock()

	req, err := dexcom.ParseFrame(p)
	if err != nil {
		d.respond(dexcom.CmdIncompletePacketReceived, nil)
		return len(p), nil
	}
	if hook != nil {
		hook(req.Command())
	}

	d.mu.Lock()
	d.commands = append(d.commands, req.Command())
	code, payload := d.handle(req.Command(), req.Payload())
	d.mu.Unlock()

	d.respond(code, payload)
	return len(p), nil
}

func (d *Device) respond(code uint8, payload []byte) {
	frame, err := dexcom.EncodeFrame(code, payload)
	if err != nil {
		frame, _ = dexcom.EncodeFrame(dexcom.CmdReceiverError, nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.corrupt > 0 {
		d.corrupt--
		frame[len(frame)-1] ^= 0x01
	}
	d.pending.Write(frame)
}

// ResetInputBuffer discards unread response bytes
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.failure != nil {
		return d.failure
	}
	d.pending.Reset()
	return nil
}

// ResetOutputBuffer is a no-op; writes are handled synchronously
func (d *Device) ResetOutputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.failure
}

// Close closes the device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// handle answers one command. Must be called with d.mu held.
func (d *Device) handle(cmd uint8, payload []byte) (uint8, []byte) {
	switch cmd {
	case dexcom.CmdPing:
		return dexcom.CmdAck, nil
	case dexcom.CmdReadFirmwareHeader:
		return dexcom.CmdAck, []byte(fmt.Sprintf(
			`<FirmwareHeader SchemaVersion="1" ApiVersion="3.1.0.0" TestApiVersion="4.6.0.0" ProductId="G5MobileReceiver" ProductName="Dexcom G5 Mobile Receiver" SoftwareNumber="SW11163" FirmwareVersion="%s" PortVersion="4.6.4.45" RFVersion="1.0.0.27" DexBootVersion="13" />`,
			d.firmware))
	case dexcom.CmdReadFirmwareSettings:
		return dexcom.CmdAck, []byte(`<FirmwareSettingsParameters FirmwareImageId="G5MobileReceiver" />`)
	case dexcom.CmdReadDatabasePartitionInfo:
		return dexcom.CmdAck, []byte(d.partitionInfo())
	case dexcom.CmdReadDatabasePageRange:
		if len(payload) < 1 {
			return dexcom.CmdInvalidParam, nil
		}
		first, last := d.pageRange(dexcom.RecordType(payload[0]))
		return dexcom.CmdAck, append(u32(first), u32(last)...)
	case dexcom.CmdReadDatabasePages:
		if len(payload) < 6 {
			return dexcom.CmdInvalidParam, nil
		}
		t := dexcom.RecordType(payload[0])
		page := binary.LittleEndian.Uint32(payload[1:5])
		d.pageReads[t] = append(d.pageReads[t], page)
		data, ok := d.page(t, page)
		if !ok {
			return dexcom.CmdInvalidParam, nil
		}
		return dexcom.CmdAck, data
	case dexcom.CmdReadTransmitterID:
		return dexcom.CmdAck, []byte(d.transmitter)
	case dexcom.CmdReadLanguage:
		return dexcom.CmdAck, binary.LittleEndian.AppendUint16(nil, 1033)
	case dexcom.CmdReadDisplayTimeOffset:
		return dexcom.CmdAck, u32(uint32(d.displayOffset))
	case dexcom.CmdReadRTC, dexcom.CmdReadSystemTime:
		return dexcom.CmdAck, u32(d.now())
	case dexcom.CmdReadSystemTimeOffset:
		return dexcom.CmdAck, u32(0)
	case dexcom.CmdReadBatteryLevel:
		return dexcom.CmdAck, u32(d.batteryLevel)
	case dexcom.CmdReadBatteryState:
		return dexcom.CmdAck, []byte{2}
	case dexcom.CmdReadGlucoseUnit:
		return dexcom.CmdAck, []byte{1}
	case dexcom.CmdReadBlindedMode, dexcom.CmdReadClockMode:
		return dexcom.CmdAck, []byte{0}
	case dexcom.CmdReadDeviceMode, dexcom.CmdReadEnableSetupWizardFlag, dexcom.CmdReadSetupWizardState:
		return dexcom.CmdAck, []byte{0}
	case dexcom.CmdReadHardwareBoardID:
		return dexcom.CmdAck, []byte{0x05, 0x00}
	case dexcom.CmdReadChargerCurrentSetting:
		return dexcom.CmdAck, []byte{2}
	default:
		return dexcom.CmdInvalidCommand, nil
	}
}

func (d *Device) pages(t dexcom.RecordType) int {
	tbl, ok := d.tables[t]
	if !ok || len(tbl.records) == 0 {
		return 0
	}
	return (len(tbl.records) + d.pageCapacity - 1) / d.pageCapacity
}

func (d *Device) pageRange(t dexcom.RecordType) (uint32, uint32) {
	n := d.pages(t)
	if n == 0 {
		return 0xFFFFFFFF, 0xFFFFFFFF
	}
	return 0, uint32(n - 1)
}

func (d *Device) page(t dexcom.RecordType, number uint32) ([]byte, bool) {
	if int(number) >= d.pages(t) {
		return nil, false
	}
	tbl := d.tables[t]
	start := int(number) * d.pageCapacity
	end := min(start+d.pageCapacity, len(tbl.records))

	data := dexcom.EncodePageHeader(dexcom.PageHeader{
		FirstIndex:  uint32(start),
		RecordCount: uint32(end - start),
		RecordType:  t,
		Revision:    tbl.revision,
		PageNumber:  number,
	})
	for _, rec := range tbl.records[start:end] {
		data = append(data, rec...)
	}
	return data, true
}

func (d *Device) partitionInfo() string {
	var sb strings.Builder
	sb.WriteString(`<PartitionInfo SchemaVersion="1" PageHeaderVersion="1" PageDataLength="500">`)
	for t, tbl := range d.tables {
		size := 0
		if len(tbl.records) > 0 {
			size = len(tbl.records[0])
		}
		fmt.Fprintf(&sb, `<Partition Name="%s" Id="%d" RecordRevision="%d" RecordLength="%d" />`, t, uint8(t), tbl.revision, size)
	}
	sb.WriteString(`</PartitionInfo>`)
	return sb.String()
}

// Reopen makes a closed device usable again, as if it were unplugged and
// plugged back in. Unread response bytes are discarded.
func (d *Device) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.pending.Reset()
}

// Closed reports whether Close has been called since the last Reopen
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
