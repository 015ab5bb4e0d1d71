// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadPacket reads exactly one frame from r. The four header bytes are read
// first; the declared length then determines how many payload and CRC bytes
// follow.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}
	if header[0] != StartByte {
		return nil, &FramingError{Got: header[0]}
	}

	length := int(binary.LittleEndian.Uint16(header[1:3]))
	if length < MinPacketSize || length > MaxPacketSize {
		return nil, &InvalidPacketError{Length: length, Reason: "declared length out of range"}
	}

	frame := make([]byte, length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, &TransportError{Op: "read body", Err: err}
	}
	return ParseFrame(frame)
}

// Decoder states
const (
	stateIdle = iota
	stateLength1
	stateLength2
	stateCommand
	stateBody
)

// Decoder reassembles frames from an unsynchronised byte stream, such as a
// passive capture of traffic between a host and a receiver.
type Decoder struct {
	state   int
	length  int
	buffer  []byte
	skipped int
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, MaxPacketSize),
	}
}

// Reset returns the decoder to the idle state
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.length = 0
	d.buffer = d.buffer[:0]
}

// Skipped returns the number of bytes discarded while hunting for a start byte
func (d *Decoder) Skipped() int {
	return d.skipped
}

// GetRawBytes returns the bytes accumulated for the frame in progress
func (d *Decoder) GetRawBytes() []byte {
	return d.buffer
}

// DecodeByte processes a single byte through the decoder state machine.
// It returns a completed packet, or nil while the frame is incomplete, and an
// error when a frame fails validation.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	switch d.state {
	case stateIdle:
		if b != StartByte {
			d.skipped++
			return nil, nil
		}
		d.buffer = append(d.buffer[:0], b)
		d.state = stateLength1
		return nil, nil

	case stateLength1:
		d.buffer = append(d.buffer, b)
		d.length = int(b)
		d.state = stateLength2
		return nil, nil

	case stateLength2:
		d.buffer = append(d.buffer, b)
		d.length |= int(b) << 8
		if d.length < MinPacketSize || d.length > MaxPacketSize {
			length := d.length
			d.Reset()
			return nil, &InvalidPacketError{Length: length, Reason: "declared length out of range"}
		}
		d.state = stateCommand
		return nil, nil

	case stateCommand:
		d.buffer = append(d.buffer, b)
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < d.length {
			return nil, nil
		}
		packet, err := ParseFrame(d.buffer)
		d.Reset()
		return packet, err

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid decoder state: %d", d.state)
	}
}
