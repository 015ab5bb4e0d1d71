// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Statistics tracks link health for one receiver connection.
// All methods are safe for concurrent use.
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	Commands         uint64
	Responses        uint64
	Naks             uint64
	CRCErrors        uint64
	FramingErrors    uint64
	TransportErrors  uint64
	PagesRead        uint64
	RecordsDecoded   uint64
	RecordCRCErrors  uint64
	AnomalousRecords uint64

	// Rates (calculated)
	CommandRate float64 // commands/sec
	ErrorRate   float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordExchange counts one command and the outcome of its response
func (s *Statistics) RecordExchange(response *Packet, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Commands++
	s.LastUpdateTime = time.Now()

	if err != nil {
		s.countError(err)
		return
	}
	s.Responses++
	if !response.IsAck() {
		s.Naks++
	}
}

// RecordPage counts a page read and the records decoded from it
func (s *Statistics) RecordPage(records int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastUpdateTime = time.Now()
	if err != nil {
		s.countError(err)
		return
	}
	s.PagesRead++
	s.RecordsDecoded += uint64(records)
}

// RecordAnomalies counts records flagged by CheckRecord
func (s *Statistics) RecordAnomalies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AnomalousRecords += uint64(n)
}

// countError classifies err. Must be called with s.mu held.
func (s *Statistics) countError(err error) {
	var crc *CrcError
	var record *RecordCrcError
	var framing *FramingError
	var transport *TransportError
	switch {
	case errors.As(err, &record):
		s.RecordCRCErrors++
	case errors.As(err, &crc):
		s.CRCErrors++
	case errors.As(err, &framing):
		s.FramingErrors++
	case errors.As(err, &transport):
		s.TransportErrors++
	}
}

// Snapshot returns a copy of the counters with rates calculated
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatisticsSnapshot{
		StartTime:        s.StartTime,
		LastUpdateTime:   s.LastUpdateTime,
		Commands:         s.Commands,
		Responses:        s.Responses,
		Naks:             s.Naks,
		CRCErrors:        s.CRCErrors,
		FramingErrors:    s.FramingErrors,
		TransportErrors:  s.TransportErrors,
		PagesRead:        s.PagesRead,
		RecordsDecoded:   s.RecordsDecoded,
		RecordCRCErrors:  s.RecordCRCErrors,
		AnomalousRecords: s.AnomalousRecords,
	}
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		snap.CommandRate = float64(s.Commands) / elapsed
		snap.ErrorRate = float64(snap.Errors()) / elapsed
	}
	return snap
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.Commands = 0
	s.Responses = 0
	s.Naks = 0
	s.CRCErrors = 0
	s.FramingErrors = 0
	s.TransportErrors = 0
	s.PagesRead = 0
	s.RecordsDecoded = 0
	s.RecordCRCErrors = 0
	s.AnomalousRecords = 0
	s.CommandRate = 0
	s.ErrorRate = 0
}

// StatisticsSnapshot is a point-in-time copy of Statistics.
type StatisticsSnapshot struct {
	StartTime        time.Time `json:"start_time"`
	LastUpdateTime   time.Time `json:"last_update_time"`
	Commands         uint64    `json:"commands"`
	Responses        uint64    `json:"responses"`
	Naks             uint64    `json:"naks"`
	CRCErrors        uint64    `json:"crc_errors"`
	FramingErrors    uint64    `json:"framing_errors"`
	TransportErrors  uint64    `json:"transport_errors"`
	PagesRead        uint64    `json:"pages_read"`
	RecordsDecoded   uint64    `json:"records_decoded"`
	RecordCRCErrors  uint64    `json:"record_crc_errors"`
	AnomalousRecords uint64    `json:"anomalous_records"`
	CommandRate      float64   `json:"command_rate"`
	ErrorRate        float64   `json:"error_rate"`
}

// Errors returns the total number of failed exchanges and pages
func (s StatisticsSnapshot) Errors() uint64 {
	return s.CRCErrors + s.FramingErrors + s.TransportErrors + s.RecordCRCErrors
}

// String returns a formatted statistics summary
func (s StatisticsSnapshot) String() string {
	var okPercent float64
	if s.Commands > 0 {
		okPercent = float64(s.Responses-s.Naks) * 100.0 / float64(s.Commands)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Commands:        %8d\n", s.Commands)
	result += fmt.Sprintf("Acknowledged:    %8d (%.1f%%)\n", s.Responses-s.Naks, okPercent)

	if s.Naks > 0 {
		result += fmt.Sprintf("Rejected:        %8d\n", s.Naks)
	}
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.FramingErrors > 0 {
		result += fmt.Sprintf("Framing Errors:  %8d\n", s.FramingErrors)
	}
	if s.TransportErrors > 0 {
		result += fmt.Sprintf("Transport Errors:%8d\n", s.TransportErrors)
	}
	result += fmt.Sprintf("Pages Read:      %8d\n", s.PagesRead)
	result += fmt.Sprintf("Records Decoded: %8d\n", s.RecordsDecoded)
	if s.RecordCRCErrors > 0 {
		result += fmt.Sprintf("Record CRC Errs: %8d\n", s.RecordCRCErrors)
	}
	if s.AnomalousRecords > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.AnomalousRecords)
	}

	result += fmt.Sprintf("Command Rate:    %8.1f cmds/sec\n", s.CommandRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}
