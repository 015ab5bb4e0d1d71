// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
	"github.com/Thermoquad/glucostat/pkg/dexcom/dexcomtest"
)

// ============================================================
// Test Helpers
// ============================================================

func connect(t *testing.T, dev *dexcomtest.Device) *dexcom.Receiver {
	t.Helper()
	r := dexcom.NewReceiver(dev)
	if _, err := r.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return r
}

// flushTracker records buffer resets and writes reaching the device
type flushTracker struct {
	*dexcomtest.Device
	ops    []string
	outErr error
}

func (f *flushTracker) ResetInputBuffer() error {
	f.ops = append(f.ops, "reset input")
	return f.Device.ResetInputBuffer()
}

func (f *flushTracker) ResetOutputBuffer() error {
	f.ops = append(f.ops, "reset output")
	if f.outErr != nil {
		return f.outErr
	}
	return f.Device.ResetOutputBuffer()
}

func (f *flushTracker) Write(p []byte) (int, error) {
	f.ops = append(f.ops, "write")
	return f.Device.Write(p)
}

// addEGVs stores n G5 EGVs five minutes apart ending at last
func addEGVs(dev *dexcomtest.Device, last uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		ts := last - uint32(i)*300
		dev.AddRecords(dexcom.EGVData, dexcomtest.EGV(dexcom.G5, ts, ts, uint16(100+i), 4))
	}
}

// ============================================================
// Command Tests
// ============================================================

func TestReceiver_ConnectDetectsGeneration(t *testing.T) {
	tests := []struct {
		firmware string
		expected dexcom.Generation
	}{
		{dexcomtest.FirmwareG4, dexcom.G4},
		{dexcomtest.FirmwareG5, dexcom.G5},
		{dexcomtest.FirmwareG6, dexcom.G6},
	}

	for _, tt := range tests {
		t.Run(tt.firmware, func(t *testing.T) {
			r := connect(t, dexcomtest.NewDevice(tt.firmware))
			if r.Generation() != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, r.Generation())
			}
			if r.Firmware().FirmwareVersion != tt.firmware {
				t.Errorf("unexpected firmware header %+v", r.Firmware())
			}
		})
	}
}

func TestReceiver_ConnectUnrecognizedFirmware(t *testing.T) {
	r := dexcom.NewReceiver(dexcomtest.NewDevice("6.0.0"))
	_, err := r.Connect()
	if !dexcom.IsFatal(err) {
		t.Fatalf("expected fatal firmware error, got %v", err)
	}
	if r.Generation() != dexcom.GenerationUnknown {
		t.Error("generation must not be guessed")
	}
}

func TestReceiver_TypedReads(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	dev.SetSystemTime(400000000)
	dev.SetDisplayOffset(-3600)
	r := connect(t, dev)

	if ok, err := r.Ping(); err != nil || !ok {
		t.Errorf("Ping = %v, %v", ok, err)
	}

	sys, err := r.ReadSystemTime()
	if err != nil || !sys.Equal(dexcom.DeviceTime(400000000)) {
		t.Errorf("ReadSystemTime = %v, %v", sys, err)
	}
	display, err := r.ReadDisplayTime()
	if err != nil || !display.Equal(sys.Add(-time.Hour)) {
		t.Errorf("ReadDisplayTime = %v, %v", display, err)
	}

	if level, err := r.ReadBatteryLevel(); err != nil || level != 87 {
		t.Errorf("ReadBatteryLevel = %d, %v", level, err)
	}
	if state, err := r.ReadBatteryState(); err != nil || state != "NOT_CHARGING" {
		t.Errorf("ReadBatteryState = %q, %v", state, err)
	}
	if unit, err := r.ReadGlucoseUnit(); err != nil || unit != "mg/dL" {
		t.Errorf("ReadGlucoseUnit = %q, %v", unit, err)
	}
	if mode, err := r.ReadClockMode(); err != nil || mode != 24 {
		t.Errorf("ReadClockMode = %d, %v", mode, err)
	}
	if lang, err := r.ReadLanguage(); err != nil || lang != "English" {
		t.Errorf("ReadLanguage = %q, %v", lang, err)
	}
	if tx, err := r.ReadTransmitterID(); err != nil || tx != "80ABCD" {
		t.Errorf("ReadTransmitterID = %q, %v", tx, err)
	}
	if setting, err := r.ReadChargerCurrentSetting(); err != nil || setting != "Power500mA" {
		t.Errorf("ReadChargerCurrentSetting = %q, %v", setting, err)
	}

	mfg, err := r.ReadManufacturingData()
	if err != nil || mfg.SerialNumber != "SM00000001" {
		t.Errorf("ReadManufacturingData = %+v, %v", mfg, err)
	}

	info, err := r.ReadPartitionInfo()
	if err != nil || len(info.Partitions) == 0 {
		t.Errorf("ReadPartitionInfo = %+v, %v", info, err)
	}
}

func TestReceiver_CorruptResponse(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	r := connect(t, dev)

	dev.CorruptNext(1)
	_, err := r.ReadSystemTime()
	var crcErr *dexcom.CrcError
	if !errors.As(err, &crcErr) {
		t.Fatalf("expected CrcError, got %v", err)
	}

	// The next exchange is clean
	if _, err := r.ReadSystemTime(); err != nil {
		t.Errorf("ReadSystemTime after corruption: %v", err)
	}
	if r.Statistics().Snapshot().CRCErrors != 1 {
		t.Error("CRC error not counted")
	}
}

func TestReceiver_TransportFailure(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	r := connect(t, dev)

	dev.SetFailure(io.ErrUnexpectedEOF)
	_, err := r.ReadSystemTime()
	if !dexcom.IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("transport error should wrap the port error: %v", err)
	}
}

func TestReceiver_FlushesBothBuffersBeforeEachWrite(t *testing.T) {
	port := &flushTracker{Device: dexcomtest.NewDevice(dexcomtest.FirmwareG5)}
	r := dexcom.NewReceiver(port)

	for i := 0; i < 2; i++ {
		if _, err := r.Execute(dexcom.CmdPing, nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	want := []string{"reset input", "reset output", "write", "reset input", "reset output", "write"}
	if len(port.ops) != len(want) {
		t.Fatalf("Expected %v, got %v", want, port.ops)
	}
	for i := range want {
		if port.ops[i] != want[i] {
			t.Errorf("op %d: expected %q, got %q", i, want[i], port.ops[i])
		}
	}
}

func TestReceiver_OutputFlushFailure(t *testing.T) {
	port := &flushTracker{
		Device: dexcomtest.NewDevice(dexcomtest.FirmwareG5),
		outErr: io.ErrClosedPipe,
	}
	r := dexcom.NewReceiver(port)

	_, err := r.Execute(dexcom.CmdPing, nil)
	if !dexcom.IsTransport(err) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected TransportError wrapping the reset error, got %v", err)
	}
	for _, op := range port.ops {
		if op == "write" {
			t.Error("Wrote after a failed flush")
		}
	}
	if r.Statistics().Snapshot().TransportErrors != 1 {
		t.Error("flush failure not counted as a transport error")
	}
}

func TestReceiver_UnexpectedResponse(t *testing.T) {
	r := connect(t, dexcomtest.NewDevice(dexcomtest.FirmwareG5))
	_, err := r.Execute(0x7F, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// A page read for a page that does not exist is refused
	_, err = r.ReadPage(dexcom.EGVData, 0)
	var unexpected *dexcom.UnexpectedResponseError
	if !errors.As(err, &unexpected) || unexpected.Response != dexcom.CmdInvalidParam {
		t.Errorf("expected INVALID_PARAM, got %v", err)
	}
}

// ============================================================
// Database Tests
// ============================================================

func TestReceiver_ReadAllRecordsChronological(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	dev.SetPageCapacity(4)
	addEGVs(dev, 100000, 10)
	r := connect(t, dev)

	pr, err := r.ReadPageRange(dexcom.EGVData)
	if err != nil {
		t.Fatalf("ReadPageRange: %v", err)
	}
	if pr.First != 0 || pr.Last != 2 || pr.Pages() != 3 {
		t.Fatalf("unexpected page range %+v", pr)
	}

	records, err := r.ReadAllRecords(dexcom.EGVData)
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].SystemSeconds() <= records[i-1].SystemSeconds() {
			t.Fatalf("records not chronological at %d", i)
		}
	}
}

func TestReceiver_IterRecordsRecentFirst(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	dev.SetPageCapacity(4)
	addEGVs(dev, 100000, 10)
	r := connect(t, dev)

	var seen []uint32
	for rec, err := range r.IterRecordsRecentFirst(dexcom.EGVData) {
		if err != nil {
			t.Fatalf("iteration: %v", err)
		}
		seen = append(seen, rec.SystemSeconds())
	}
	if len(seen) != 10 || seen[0] != 100000 {
		t.Fatalf("unexpected iteration %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Fatalf("not strictly most-recent-first at %d: %v", i, seen)
		}
	}

	pages := dev.PageReads(dexcom.EGVData)
	if len(pages) != 3 || pages[0] != 2 || pages[2] != 0 {
		t.Errorf("expected pages read 2,1,0; got %v", pages)
	}
}

func TestReceiver_IterRecordsStopsEarly(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	dev.SetPageCapacity(4)
	addEGVs(dev, 100000, 10)
	r := connect(t, dev)

	n := 0
	for _, err := range r.IterRecordsRecentFirst(dexcom.EGVData) {
		if err != nil {
			t.Fatalf("iteration: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if pages := dev.PageReads(dexcom.EGVData); len(pages) != 1 {
		t.Errorf("expected a single page read, got %v", pages)
	}
}

func TestReceiver_EmptyTable(t *testing.T) {
	r := connect(t, dexcomtest.NewDevice(dexcomtest.FirmwareG5))
	records, err := r.ReadAllRecords(dexcom.MeterData)
	if err != nil || len(records) != 0 {
		t.Errorf("expected no records, got %d, %v", len(records), err)
	}
	for range r.IterRecordsRecentFirst(dexcom.MeterData) {
		t.Fatal("empty table yielded a record")
	}
}

func TestReceiver_UnsupportedRecordType(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG4)
	r := connect(t, dev)
	before := len(dev.Commands())

	_, err := r.ReadAllRecords(dexcom.BackfilledEGV)
	var unsupported *dexcom.UnsupportedRecordTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedRecordTypeError, got %v", err)
	}
	if len(dev.Commands()) != before {
		t.Error("no command should be sent for an unsupported record type")
	}

	for _, err := range r.IterRecordsRecentFirst(dexcom.BackfilledEGV) {
		if !errors.As(err, &unsupported) {
			t.Errorf("expected UnsupportedRecordTypeError, got %v", err)
		}
	}
}

func TestReceiver_ReadBeforeConnect(t *testing.T) {
	r := dexcom.NewReceiver(dexcomtest.NewDevice(dexcomtest.FirmwareG5))
	_, err := r.ReadAllRecords(dexcom.EGVData)
	if !errors.Is(err, dexcom.ErrGenerationUnknown) {
		t.Errorf("expected ErrGenerationUnknown, got %v", err)
	}
}

func TestReceiver_CorruptPageFailsWholePage(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	good := dexcomtest.EGV(dexcom.G5, 1000, 1000, 120, 4)
	bad := dexcomtest.EGV(dexcom.G5, 1300, 1300, 125, 4)
	bad[10] ^= 0x40
	dev.AddRecords(dexcom.EGVData, good, bad)
	r := connect(t, dev)

	_, err := r.ReadPage(dexcom.EGVData, 0)
	var recordErr *dexcom.RecordCrcError
	if !errors.As(err, &recordErr) || recordErr.Index != 1 {
		t.Fatalf("expected RecordCrcError at index 1, got %v", err)
	}
	if r.Statistics().Snapshot().RecordCRCErrors != 1 {
		t.Error("record CRC error not counted")
	}
}

func TestReceiver_G6Records(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG6)
	dev.AddRecords(dexcom.BackfilledEGV, dexcomtest.EGV(dexcom.G6, 2000, 2000, 140, 3))
	dev.AddRecords(dexcom.UserSettingData, dexcomtest.UserSettings(dexcom.G6, 2100, 2100, "8GXXXX", 200, 70))
	dev.AddRecords(dexcom.SensorData, dexcomtest.Sensor(2000, 2000, 150000, 148000, -70))
	r := connect(t, dev)

	records, err := r.ReadAllRecords(dexcom.BackfilledEGV)
	if err != nil || len(records) != 1 {
		t.Fatalf("ReadAllRecords(BACKFILLED_EGV) = %d, %v", len(records), err)
	}
	if egv := records[0].(*dexcom.EGVRecord); egv.Glucose() != 140 || egv.Type() != dexcom.BackfilledEGV {
		t.Errorf("unexpected backfilled record %+v", egv)
	}

	settings, err := r.ReadLastPage(dexcom.UserSettingData)
	if err != nil || len(settings) != 1 {
		t.Fatalf("ReadLastPage(USER_SETTING_DATA) = %d, %v", len(settings), err)
	}
	us := settings[0].(*dexcom.UserSettingsRecord)
	if us.Transmitter != "8GXXXX" || us.HighAlert != 200 || us.SensorCode != "5678" || us.UrgentLowSoonRepeat != 30 {
		t.Errorf("unexpected settings %+v", us)
	}

	sensors, err := r.ReadAllRecords(dexcom.SensorData)
	if err != nil || sensors[0].(*dexcom.SensorRecord).RSSI != -70 {
		t.Errorf("unexpected sensor records %v, %v", sensors, err)
	}
}

func TestReceiver_LegacyCalibrationRevision(t *testing.T) {
	dev := dexcomtest.NewDevice(dexcomtest.FirmwareG4)
	dev.SetRevision(dexcom.CalSet, 1)
	subs := []dexcom.SubCalibration{{EnteredSeconds: 10, Meter: 110, Sensor: 120000, AppliedSeconds: 20}}
	dev.AddRecords(dexcom.CalSet,
		dexcomtest.Calibration(1, 100, 100, 800, 20000, 1, 0.5, subs),
		dexcomtest.Calibration(1, 200, 200, 810, 20000, 1, 0.5, subs))
	r := connect(t, dev)

	records, err := r.ReadAllRecords(dexcom.CalSet)
	if err != nil {
		t.Fatalf("ReadAllRecords(CAL_SET): %v", err)
	}
	if len(records) != 2 || len(records[1].Raw()) != dexcom.CalibrationLegacySize {
		t.Fatalf("expected two legacy records, got %d", len(records))
	}
	if cal := records[1].(*dexcom.CalibrationRecord); cal.Slope != 810 || cal.SubCalibrations[0].Meter != 110 {
		t.Errorf("unexpected calibration %+v", cal)
	}
}
