// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"fmt"
)

// Calibration slot sizes, selected by the page revision
const (
	CalibrationLegacySize = 148 // revision < 2
	CalibrationSize       = 249
)

// Wire layouts. Every field is little-endian and the structs have no padding
// on the wire, so binary.Size gives the record size including its CRC.

type egvG4Wire struct {
	System, Display uint32
	Glucose         uint16
	Trend           uint8
	CRC             uint16
}

type egvG5Wire struct {
	System, Display uint32
	Glucose         uint16
	MeterTime       uint32
	Unknown1        uint8
	TestNumber      uint32
	Trend           uint8
	Unknown2        uint8
	Unknown3        uint16
	CRC             uint16
}

type meterG4Wire struct {
	System, Display uint32
	Glucose         uint16
	MeterTime       uint32
	CRC             uint16
}

type meterG5Wire struct {
	System, Display uint32
	Glucose         uint16
	Unknown1        uint8
	MeterTime       uint32
	Unknown2        uint32
	CRC             uint16
}

type eventWire struct {
	System, Display uint32
	Type, SubType   uint8
	EventTime       uint32
	Value           uint32
	CRC             uint16
}

type insertionG4Wire struct {
	System, Display uint32
	Insertion       uint32
	State           uint8
	CRC             uint16
}

type insertionG5Wire struct {
	System, Display uint32
	Insertion       uint32
	State           uint8
	Number          uint32
	Transmitter     [6]byte
	CRC             uint16
}

type sensorWire struct {
	System, Display uint32
	Unfiltered      uint32
	Filtered        uint32
	RSSI            int16
	CRC             uint16
}

type userSettingsG5Wire struct {
	System, Display    uint32
	Unknown1, Unknown2 uint32
	Transmitter        [6]byte
	Unknown3           uint32
	HighAlert          uint16
	HighRepeat         uint16
	LowAlert           uint16
	LowRepeat          uint16
	RiseRate           uint16
	FallRate           uint16
	OutOfRangeAlert    uint16
	Unknown4           uint16
	SoundsType         uint8
	Unknown5           uint8
	Unknown6           uint32
	CRC                uint16
}

type userSettingsG6Wire struct {
	System, Display     uint32
	Unknown1, Unknown2  uint32
	Transmitter         [6]byte
	Unknown3            uint32
	HighAlert           uint16
	HighRepeat          uint16
	LowAlert            uint16
	LowRepeat           uint16
	RiseRate            uint16
	FallRate            uint16
	OutOfRangeAlert     uint16
	Unknown4            uint16
	SoundsType          uint8
	Unknown5            uint8
	UrgentLowSoonRepeat uint16
	Unknown6            uint8
	SensorCode          [4]byte
	Unknown7            [7]uint8
	CRC                 uint16
}

// calibrationWire is the fixed header of a calibration record; sub-records
// and padding follow, and the CRC sits in the last two bytes of the slot.
type calibrationWire struct {
	System, Display uint32
	Slope           float64
	Intercept       float64
	Scale           float64
	Unknown         [3]byte
	Decay           float64
	Count           uint8
}

type subCalibrationWire struct {
	Entered, Meter, Sensor, Applied uint32
	Unknown                         uint8
}

type xmlWire struct {
	System, Display uint32
	Data            [490]byte
	CRC             uint16
}

type recordLayout struct {
	size   func(revision uint8) int
	decode func(t RecordType, raw []byte) (Record, error)
}

func fixedLayout(wire any, decode func(t RecordType, raw []byte) (Record, error)) recordLayout {
	n := binary.Size(wire)
	return recordLayout{
		size:   func(uint8) int { return n },
		decode: decode,
	}
}

var (
	egvG4Layout       = fixedLayout(egvG4Wire{}, decodeEGVG4)
	egvG5Layout       = fixedLayout(egvG5Wire{}, decodeEGVG5)
	meterG4Layout     = fixedLayout(meterG4Wire{}, decodeMeterG4)
	meterG5Layout     = fixedLayout(meterG5Wire{}, decodeMeterG5)
	eventLayout       = fixedLayout(eventWire{}, decodeEvent)
	insertionG4Layout = fixedLayout(insertionG4Wire{}, decodeInsertionG4)
	insertionG5Layout = fixedLayout(insertionG5Wire{}, decodeInsertionG5)
	sensorLayout      = fixedLayout(sensorWire{}, decodeSensor)
	userSettingsG5    = fixedLayout(userSettingsG5Wire{}, decodeUserSettingsG5)
	userSettingsG6    = fixedLayout(userSettingsG6Wire{}, decodeUserSettingsG6)
	xmlLayout         = fixedLayout(xmlWire{}, decodeXML)
	calibrationLayout = recordLayout{size: calibrationSlotSize, decode: decodeCalibration}
)

var layoutsG4 = map[RecordType]recordLayout{
	ManufacturingData:   xmlLayout,
	PCSoftwareParameter: xmlLayout,
	UserEventData:       eventLayout,
	MeterData:           meterG4Layout,
	CalSet:              calibrationLayout,
	InsertionTime:       insertionG4Layout,
	EGVData:             egvG4Layout,
	SensorData:          sensorLayout,
}

var layoutsG5 = map[RecordType]recordLayout{
	ManufacturingData:   xmlLayout,
	PCSoftwareParameter: xmlLayout,
	UserEventData:       eventLayout,
	MeterData:           meterG5Layout,
	CalSet:              calibrationLayout,
	InsertionTime:       insertionG5Layout,
	EGVData:             egvG5Layout,
	SensorData:          sensorLayout,
	UserSettingData:     userSettingsG5,
}

var layoutsG6 = map[RecordType]recordLayout{
	ManufacturingData:   xmlLayout,
	PCSoftwareParameter: xmlLayout,
	UserEventData:       eventLayout,
	MeterData:           meterG5Layout,
	CalSet:              calibrationLayout,
	InsertionTime:       insertionG5Layout,
	EGVData:             egvG5Layout,
	SensorData:          sensorLayout,
	UserSettingData:     userSettingsG6,
	BackfilledEGV:       egvG5Layout,
}

// RecordSize returns the on-device size of one record of type t for the
// given generation and page revision.
func RecordSize(g Generation, t RecordType, revision uint8) (int, error) {
	layout, err := g.layout(t)
	if err != nil {
		return 0, err
	}
	return layout.size(revision), nil
}

// DecodeRecords decodes count consecutive records from block. Each record's
// CRC is verified before it is decoded; the first failure aborts the whole
// block.
func DecodeRecords(g Generation, t RecordType, revision uint8, block []byte, count int) ([]Record, error) {
	layout, err := g.layout(t)
	if err != nil {
		return nil, err
	}
	size := layout.size(revision)
	if count < 0 || count*size > len(block) {
		return nil, &InvalidPacketError{
			Length: len(block),
			Reason: fmt.Sprintf("%d %s records of %d bytes do not fit in record block", count, t, size),
		}
	}

	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, size)
		copy(raw, block[i*size:(i+1)*size])
		if err := checkRecordCRC(t, i, raw); err != nil {
			return nil, err
		}
		record, err := layout.decode(t, raw)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", t, i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func checkRecordCRC(t RecordType, index int, raw []byte) error {
	body := raw[:len(raw)-TrailerSize]
	stored := binary.LittleEndian.Uint16(raw[len(raw)-TrailerSize:])
	if calc := CalculateCRC(body); calc != stored {
		return &RecordCrcError{RecordType: t, Index: index, Expected: calc, Got: stored}
	}
	return nil
}

func newBase(t RecordType, system, display uint32, raw []byte) baseRecord {
	return baseRecord{recordType: t, system: system, display: display, raw: raw}
}

func decodeEGVG4(t RecordType, raw []byte) (Record, error) {
	var w egvG4Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &EGVRecord{
		baseRecord:  newBase(t, w.System, w.Display, raw),
		FullGlucose: w.Glucose,
		FullTrend:   w.Trend,
	}, nil
}

func decodeEGVG5(t RecordType, raw []byte) (Record, error) {
	var w egvG5Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &EGVRecord{
		baseRecord:   newBase(t, w.System, w.Display, raw),
		FullGlucose:  w.Glucose,
		FullTrend:    w.Trend,
		MeterSeconds: w.MeterTime,
		TestNumber:   w.TestNumber & 0x00FFFFFF,
		hasMeterTime: true,
	}, nil
}

func decodeMeterG4(t RecordType, raw []byte) (Record, error) {
	var w meterG4Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &MeterRecord{
		baseRecord:   newBase(t, w.System, w.Display, raw),
		MeterGlucose: w.Glucose,
		MeterSeconds: w.MeterTime,
	}, nil
}

func decodeMeterG5(t RecordType, raw []byte) (Record, error) {
	var w meterG5Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &MeterRecord{
		baseRecord:   newBase(t, w.System, w.Display, raw),
		MeterGlucose: w.Glucose,
		MeterSeconds: w.MeterTime,
		Unknown1:     w.Unknown1,
		Unknown2:     w.Unknown2,
	}, nil
}

func decodeEvent(t RecordType, raw []byte) (Record, error) {
	var w eventWire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &EventRecord{
		baseRecord:   newBase(t, w.System, w.Display, raw),
		EventType:    w.Type,
		EventSubType: w.SubType,
		EventSeconds: w.EventTime,
		RawValue:     w.Value,
	}, nil
}

func decodeInsertionG4(t RecordType, raw []byte) (Record, error) {
	var w insertionG4Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &InsertionRecord{
		baseRecord:       newBase(t, w.System, w.Display, raw),
		InsertionSeconds: w.Insertion,
		State:            w.State,
	}, nil
}

func decodeInsertionG5(t RecordType, raw []byte) (Record, error) {
	var w insertionG5Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &InsertionRecord{
		baseRecord:       newBase(t, w.System, w.Display, raw),
		InsertionSeconds: w.Insertion,
		State:            w.State,
		Number:           w.Number,
		Transmitter:      trimNul(w.Transmitter[:]),
	}, nil
}

func decodeSensor(t RecordType, raw []byte) (Record, error) {
	var w sensorWire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &SensorRecord{
		baseRecord: newBase(t, w.System, w.Display, raw),
		Unfiltered: w.Unfiltered,
		Filtered:   w.Filtered,
		RSSI:       w.RSSI,
	}, nil
}

func decodeUserSettingsG5(t RecordType, raw []byte) (Record, error) {
	var w userSettingsG5Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &UserSettingsRecord{
		baseRecord:      newBase(t, w.System, w.Display, raw),
		Transmitter:     trimNul(w.Transmitter[:]),
		HighAlert:       w.HighAlert,
		HighRepeat:      w.HighRepeat,
		LowAlert:        w.LowAlert,
		LowRepeat:       w.LowRepeat,
		RiseRate:        w.RiseRate,
		FallRate:        w.FallRate,
		OutOfRangeAlert: w.OutOfRangeAlert,
		SoundsType:      w.SoundsType,
	}, nil
}

func decodeUserSettingsG6(t RecordType, raw []byte) (Record, error) {
	var w userSettingsG6Wire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &UserSettingsRecord{
		baseRecord:          newBase(t, w.System, w.Display, raw),
		Transmitter:         trimNul(w.Transmitter[:]),
		HighAlert:           w.HighAlert,
		HighRepeat:          w.HighRepeat,
		LowAlert:            w.LowAlert,
		LowRepeat:           w.LowRepeat,
		RiseRate:            w.RiseRate,
		FallRate:            w.FallRate,
		OutOfRangeAlert:     w.OutOfRangeAlert,
		SoundsType:          w.SoundsType,
		UrgentLowSoonRepeat: w.UrgentLowSoonRepeat,
		SensorCode:          trimNul(w.SensorCode[:]),
	}, nil
}

func decodeXML(t RecordType, raw []byte) (Record, error) {
	var w xmlWire
	if _, err := binary.Decode(raw, binary.LittleEndian, &w); err != nil {
		return nil, err
	}
	return &XMLRecord{
		baseRecord: newBase(t, w.System, w.Display, raw),
		XML:        trimNul(w.Data[:]),
	}, nil
}

func calibrationSlotSize(revision uint8) int {
	if revision < 2 {
		return CalibrationLegacySize
	}
	return CalibrationSize
}

func decodeCalibration(t RecordType, raw []byte) (Record, error) {
	var w calibrationWire
	headerSize, err := binary.Decode(raw, binary.LittleEndian, &w)
	if err != nil {
		return nil, err
	}

	subSize := binary.Size(subCalibrationWire{})
	end := headerSize + int(w.Count)*subSize
	if end > len(raw)-TrailerSize {
		return nil, fmt.Errorf("%d sub-calibrations do not fit in a %d byte record", w.Count, len(raw))
	}

	subs := make([]SubCalibration, 0, w.Count)
	for offset := headerSize; offset < end; offset += subSize {
		var s subCalibrationWire
		if _, err := binary.Decode(raw[offset:offset+subSize], binary.LittleEndian, &s); err != nil {
			return nil, err
		}
		subs = append(subs, SubCalibration{
			EnteredSeconds: s.Entered,
			Meter:          s.Meter,
			Sensor:         s.Sensor,
			AppliedSeconds: s.Applied,
			Unknown:        s.Unknown,
		})
	}

	return &CalibrationRecord{
		baseRecord:      newBase(t, w.System, w.Display, raw),
		Slope:           w.Slope,
		Intercept:       w.Intercept,
		Scale:           w.Scale,
		Decay:           w.Decay,
		Unknown:         w.Unknown,
		SubCalibrations: subs,
	}, nil
}
