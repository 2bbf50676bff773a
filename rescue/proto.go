// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PacketLen is the length of both command and response packets on
// the wire.
const PacketLen = 3

// CommandKind is the command code in the first byte of a command
// packet.
type CommandKind byte

const (
	CmdHello    CommandKind = 0x10
	CmdChecksum CommandKind = 0x11
	// CmdRead is reserved. Boards log it and send nothing back.
	CmdRead  CommandKind = 0x12
	CmdWrite CommandKind = 0x13
	CmdReset CommandKind = 0x14
	CmdExit  CommandKind = 0x15
)

// Known reports whether c is one of the defined command codes. Any
// other code is the "unrecognized" kind; it still decodes so it can be
// logged.
func (c CommandKind) Known() bool {
	return c >= CmdHello && c <= CmdExit
}

func (c CommandKind) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdChecksum:
		return "CHECKSUM"
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdReset:
		return "RESET"
	case CmdExit:
		return "EXIT"
	}
	return fmt.Sprintf("unrecognized(0x%02x)", byte(c))
}

// CommandPacket is sent by the orchestrator (and, for HELLO, by the
// board).
//
//	[0]     command
//	[1..3)  block number, little-endian
type CommandPacket struct {
	Command     CommandKind
	BlockNumber uint16
}

// Pack encodes the packet in its wire layout.
func (p CommandPacket) Pack() [PacketLen]byte {
	var b [PacketLen]byte
	b[0] = byte(p.Command)
	binary.LittleEndian.PutUint16(b[1:], p.BlockNumber)
	return b
}

func (p CommandPacket) String() string {
	return fmt.Sprintf("%v(%d)", p.Command, p.BlockNumber)
}

// ParseCommand decodes a command packet. Every bit pattern is valid.
func ParseCommand(b [PacketLen]byte) CommandPacket {
	return CommandPacket{
		Command:     CommandKind(b[0]),
		BlockNumber: binary.LittleEndian.Uint16(b[1:]),
	}
}

// Acknowledge values. Only AckOK is positive; anything else,
// including AckNOK, is a NACK.
const (
	AckNOK = 0x00
	AckOK  = 0x01
)

// ResponsePacket answers a command packet or a single chunk of a
// block transfer.
//
//	[0]     acknowledge
//	[1..3)  size, little-endian (reserved, never trusted)
type ResponsePacket struct {
	Acknowledge byte
	Size        uint16
}

// Acked reports whether the response is a positive acknowledgement.
func (r ResponsePacket) Acked() bool {
	return r.Acknowledge == AckOK
}

// Pack encodes the packet in its wire layout.
func (r ResponsePacket) Pack() [PacketLen]byte {
	var b [PacketLen]byte
	b[0] = r.Acknowledge
	binary.LittleEndian.PutUint16(b[1:], r.Size)
	return b
}

// ParseResponse decodes a response packet. Every bit pattern is valid.
func ParseResponse(b [PacketLen]byte) ResponsePacket {
	return ResponsePacket{
		Acknowledge: b[0],
		Size:        binary.LittleEndian.Uint16(b[1:]),
	}
}

var (
	ack  = ResponsePacket{Acknowledge: AckOK}
	nack = ResponsePacket{Acknowledge: AckNOK}
)

// Dump hexdumps d with an explaining string s first.
func Dump(s string, d []byte) {
	if len(d) == 0 {
		le.Printf("%s: no data\n", s)
		return
	}
	le.Printf("%s (%d bytes):\n", s, len(d))
	le.Printf("%s", hex.Dump(d))
}
