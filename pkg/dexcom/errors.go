// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"errors"
	"fmt"
)

// TransportError reports a failure of the underlying byte channel: the port
// could not be opened, a read timed out or the device went away.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FramingError reports a frame that does not begin with StartByte.
type FramingError struct {
	Got byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("invalid start of frame: expected 0x%02X, got 0x%02X", StartByte, e.Got)
}

// CrcError reports a frame whose trailing CRC does not match its contents.
type CrcError struct {
	Expected uint16
	Got      uint16
}

func (e *CrcError) Error() string {
	return fmt.Sprintf("CRC mismatch: expected 0x%04X, got 0x%04X", e.Expected, e.Got)
}

// RecordCrcError reports a database record whose own CRC does not match.
type RecordCrcError struct {
	RecordType RecordType
	Index      int
	Expected   uint16
	Got        uint16
}

func (e *RecordCrcError) Error() string {
	return fmt.Sprintf("%s record %d: CRC mismatch: expected 0x%04X, got 0x%04X",
		e.RecordType, e.Index, e.Expected, e.Got)
}

// InvalidPacketError reports a frame that cannot be built or parsed because
// of its size.
type InvalidPacketError struct {
	Length int
	Reason string
}

func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("invalid packet (length %d): %s", e.Length, e.Reason)
}

// UnsupportedRecordTypeError reports a record type that is unknown, or has no
// layout for the active receiver generation.
type UnsupportedRecordTypeError struct {
	Name       string
	Generation Generation
}

func (e *UnsupportedRecordTypeError) Error() string {
	if e.Generation == GenerationUnknown {
		return fmt.Sprintf("unsupported record type %q", e.Name)
	}
	return fmt.Sprintf("unsupported record type %q for %s receivers", e.Name, e.Generation)
}

// UnrecognizedFirmwareError reports a firmware version string that does not
// map to a known receiver generation.
type UnrecognizedFirmwareError struct {
	Version string
}

func (e *UnrecognizedFirmwareError) Error() string {
	return fmt.Sprintf("unrecognized receiver firmware version %q", e.Version)
}

// UnexpectedResponseError reports a response frame other than ACK.
type UnexpectedResponseError struct {
	Request  uint8
	Response uint8
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s: receiver answered %s (0x%02X)",
		CommandName(e.Request), CommandName(e.Response), e.Response)
}

// PageHeaderError reports a database page whose header is corrupt or does not
// describe the page that was requested.
type PageHeaderError struct {
	RecordType RecordType
	Page       uint32
	Reason     string
	Err        error
}

func (e *PageHeaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s page %d: %s: %v", e.RecordType, e.Page, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s page %d: %s", e.RecordType, e.Page, e.Reason)
}

func (e *PageHeaderError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a compatibility error that retrying cannot fix.
func IsFatal(err error) bool {
	var unsupported *UnsupportedRecordTypeError
	var firmware *UnrecognizedFirmwareError
	return errors.As(err, &unsupported) || errors.As(err, &firmware)
}

// IsTransport reports whether err came from the byte channel rather than from
// the data exchanged over it.
func IsTransport(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}

// IsCorruption reports whether err is a framing or CRC failure.
func IsCorruption(err error) bool {
	var framing *FramingError
	var crc *CrcError
	var record *RecordCrcError
	return errors.As(err, &framing) || errors.As(err, &crc) || errors.As(err, &record)
}
