// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"fmt"
)

// PageHeaderSize is the size of the header that precedes every database page's
// record block, CRC included.
const PageHeaderSize = 28

// PageHeader describes one database page.
type PageHeader struct {
	FirstIndex  uint32
	RecordCount uint32
	RecordType  RecordType
	Revision    uint8
	PageNumber  uint32
	Reserved    [3]uint32
	CRC         uint16
}

type pageHeaderWire struct {
	FirstIndex  uint32
	RecordCount uint32
	RecordType  uint8
	Revision    uint8
	PageNumber  uint32
	Reserved    [3]uint32
	CRC         uint16
}

// Page is a decoded database page.
type Page struct {
	Header  PageHeader
	Records []Record
}

// ParsePageHeader decodes and CRC-checks a page header.
func ParsePageHeader(data []byte) (PageHeader, error) {
	if len(data) < PageHeaderSize {
		return PageHeader{}, &InvalidPacketError{Length: len(data), Reason: "shorter than a page header"}
	}

	var w pageHeaderWire
	if _, err := binary.Decode(data[:PageHeaderSize], binary.LittleEndian, &w); err != nil {
		return PageHeader{}, err
	}
	if calc := CalculateCRC(data[:PageHeaderSize-TrailerSize]); calc != w.CRC {
		return PageHeader{}, &CrcError{Expected: calc, Got: w.CRC}
	}

	return PageHeader{
		FirstIndex:  w.FirstIndex,
		RecordCount: w.RecordCount,
		RecordType:  RecordType(w.RecordType),
		Revision:    w.Revision,
		PageNumber:  w.PageNumber,
		Reserved:    w.Reserved,
		CRC:         w.CRC,
	}, nil
}

// EncodePageHeader returns the wire form of h with a freshly computed CRC.
// The CRC field of h is ignored.
func EncodePageHeader(h PageHeader) []byte {
	w := pageHeaderWire{
		FirstIndex:  h.FirstIndex,
		RecordCount: h.RecordCount,
		RecordType:  uint8(h.RecordType),
		Revision:    h.Revision,
		PageNumber:  h.PageNumber,
		Reserved:    h.Reserved,
	}
	buf, _ := binary.Append(make([]byte, 0, PageHeaderSize), binary.LittleEndian, &w)
	crc := CalculateCRC(buf[:PageHeaderSize-TrailerSize])
	binary.LittleEndian.PutUint16(buf[PageHeaderSize-TrailerSize:], crc)
	return buf
}

// DecodePage decodes the payload of a READ_DATABASE_PAGES response. The
// header must be intact and must describe the requested record type and page
// before any record is looked at.
func DecodePage(g Generation, t RecordType, number uint32, data []byte) (*Page, error) {
	header, err := ParsePageHeader(data)
	if err != nil {
		return nil, &PageHeaderError{RecordType: t, Page: number, Reason: "bad header", Err: err}
	}
	if header.RecordType != t {
		return nil, &PageHeaderError{
			RecordType: t,
			Page:       number,
			Reason:     fmt.Sprintf("header describes %s", header.RecordType),
		}
	}
	if header.PageNumber != number {
		return nil, &PageHeaderError{
			RecordType: t,
			Page:       number,
			Reason:     fmt.Sprintf("header describes page %d", header.PageNumber),
		}
	}

	records, err := DecodeRecords(g, t, header.Revision, data[PageHeaderSize:], int(header.RecordCount))
	if err != nil {
		return nil, err
	}
	return &Page{Header: header, Records: records}, nil
}
