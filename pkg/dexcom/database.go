// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"iter"
	"math"
	"slices"
)

// PageRange is the span of pages the receiver reports for one record type.
// Last is the most recently written page, not one past it.
type PageRange struct {
	First uint32
	Last  uint32
}

// End returns the exclusive upper page bound. A range whose first and last
// pages differ, or whose last page is zero, is widened by one page. An empty
// table is reported with both bounds set to 0xFFFFFFFF.
func (p PageRange) End() uint32 {
	if (p.First != p.Last || p.Last == 0) && p.Last != math.MaxUint32 {
		return p.Last + 1
	}
	return p.Last
}

// Pages returns the number of pages covered by the range
func (p PageRange) Pages() int {
	if p.End() <= p.First {
		return 0
	}
	return int(p.End() - p.First)
}

func (r *Receiver) checkSupported(t RecordType) error {
	if r.generation == GenerationUnknown {
		return ErrGenerationUnknown
	}
	_, err := r.generation.layout(t)
	return err
}

// ReadPageRange reads the page span of record type t
func (r *Receiver) ReadPageRange(t RecordType) (PageRange, error) {
	if err := r.checkSupported(t); err != nil {
		return PageRange{}, err
	}
	payload, err := r.command(CmdReadDatabasePageRange, []byte{byte(t)})
	if err != nil {
		return PageRange{}, err
	}
	if len(payload) < 8 {
		return PageRange{}, &InvalidPacketError{Length: len(payload), Reason: "page range response needs 8 payload bytes"}
	}
	return PageRange{
		First: binary.LittleEndian.Uint32(payload[0:4]),
		Last:  binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// ReadPage reads and decodes one database page. The page header is validated
// before any record is decoded; any CRC failure discards the whole page.
func (r *Receiver) ReadPage(t RecordType, number uint32) (*Page, error) {
	if err := r.checkSupported(t); err != nil {
		return nil, err
	}

	request := make([]byte, 6)
	request[0] = byte(t)
	binary.LittleEndian.PutUint32(request[1:5], number)
	request[5] = 1

	payload, err := r.command(CmdReadDatabasePages, request)
	if err != nil {
		r.stats.RecordPage(0, err)
		return nil, err
	}
	page, err := DecodePage(r.generation, t, number, payload)
	if err != nil {
		r.stats.RecordPage(0, err)
		return nil, err
	}
	r.stats.RecordPage(len(page.Records), nil)
	return page, nil
}

// IterRecordsRecentFirst yields the records of type t newest first: pages are
// read from the last down to the first and each page is yielded in reverse.
// Pages are fetched lazily, so a consumer that stops early reads only the
// pages it needed. The first error ends the sequence.
func (r *Receiver) IterRecordsRecentFirst(t RecordType) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		pr, err := r.ReadPageRange(t)
		if err != nil {
			yield(nil, err)
			return
		}
		for n := pr.End(); n > pr.First; n-- {
			page, err := r.ReadPage(t, n-1)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range slices.Backward(page.Records) {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// ReadAllRecords reads every record of type t in chronological order
func (r *Receiver) ReadAllRecords(t RecordType) ([]Record, error) {
	pr, err := r.ReadPageRange(t)
	if err != nil {
		return nil, err
	}
	var records []Record
	for n := pr.First; n < pr.End(); n++ {
		page, err := r.ReadPage(t, n)
		if err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
	}
	return records, nil
}

// ReadLastPage reads only the most recently written page of type t, newest
// record first.
func (r *Receiver) ReadLastPage(t RecordType) ([]Record, error) {
	pr, err := r.ReadPageRange(t)
	if err != nil {
		return nil, err
	}
	if pr.Pages() == 0 {
		return nil, nil
	}
	page, err := r.ReadPage(t, pr.End()-1)
	if err != nil {
		return nil, err
	}
	records := slices.Clone(page.Records)
	slices.Reverse(records)
	return records, nil
}
