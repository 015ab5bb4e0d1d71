// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package dexcom

import (
	"encoding/binary"
	"time"
)

// Packet is one framed command or response.
type Packet struct {
	command   uint8
	payload   []byte
	crc       uint16
	timestamp time.Time
}

// NewPacket creates a packet for the given command and payload
func NewPacket(command uint8, payload []byte) *Packet {
	return &Packet{
		command:   command,
		payload:   payload,
		timestamp: time.Now(),
	}
}

// Command returns the command or response code
func (p *Packet) Command() uint8 {
	return p.command
}

// Payload returns the bytes between the header and the CRC
func (p *Packet) Payload() []byte {
	return p.payload
}

// CRC returns the CRC carried by a decoded packet (zero for packets built locally)
func (p *Packet) CRC() uint16 {
	return p.crc
}

// Timestamp returns when the packet was created or received
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsAck reports whether the packet is an ACK response
func (p *Packet) IsAck() bool {
	return p.command == CmdAck
}

// Length returns the total frame length of the packet on the wire
func (p *Packet) Length() int {
	return MinPacketSize + len(p.payload)
}

// Encode returns the wire representation of the packet.
func (p *Packet) Encode() ([]byte, error) {
	return EncodeFrame(p.command, p.payload)
}

// EncodeFrame builds a complete frame: start byte, little-endian total length,
// command, payload and a little-endian CRC over everything before it.
func EncodeFrame(command uint8, payload []byte) ([]byte, error) {
	total := MinPacketSize + len(payload)
	if total > MaxPacketSize {
		return nil, &InvalidPacketError{Length: total, Reason: "payload too large"}
	}

	frame := make([]byte, total)
	frame[0] = StartByte
	binary.LittleEndian.PutUint16(frame[1:3], uint16(total))
	frame[3] = command
	copy(frame[HeaderSize:], payload)

	crc := CalculateCRC(frame[:total-TrailerSize])
	binary.LittleEndian.PutUint16(frame[total-TrailerSize:], crc)
	return frame, nil
}

// ValidateFrame checks the length bounds of a complete frame before it is
// written.
func ValidateFrame(frame []byte) error {
	if len(frame) < MinPacketSize || len(frame) > MaxPacketSize {
		return &InvalidPacketError{Length: len(frame), Reason: "length out of range"}
	}
	if frame[0] != StartByte {
		return &FramingError{Got: frame[0]}
	}
	return nil
}

// ParseFrame decodes a complete frame, verifying its start byte, declared
// length and CRC.
func ParseFrame(frame []byte) (*Packet, error) {
	if len(frame) == 0 {
		return nil, &InvalidPacketError{Length: 0, Reason: "empty frame"}
	}
	if frame[0] != StartByte {
		return nil, &FramingError{Got: frame[0]}
	}
	if len(frame) < MinPacketSize {
		return nil, &InvalidPacketError{Length: len(frame), Reason: "frame shorter than header and CRC"}
	}

	declared := int(binary.LittleEndian.Uint16(frame[1:3]))
	if declared != len(frame) {
		return nil, &InvalidPacketError{Length: declared, Reason: "declared length does not match frame"}
	}

	body := frame[:len(frame)-TrailerSize]
	sent := binary.LittleEndian.Uint16(frame[len(frame)-TrailerSize:])
	if calc := CalculateCRC(body); calc != sent {
		return nil, &CrcError{Expected: calc, Got: sent}
	}

	payload := make([]byte, len(body)-HeaderSize)
	copy(payload, body[HeaderSize:])
	return &Packet{
		command:   frame[3],
		payload:   payload,
		crc:       sent,
		timestamp: time.Now(),
	}, nil
}
