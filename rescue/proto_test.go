// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"testing"
)

func TestCommandPacketLayout(t *testing.T) {
	tests := []struct {
		name string
		pkt  CommandPacket
		want [PacketLen]byte
	}{
		{"hello", CommandPacket{CmdHello, 0}, [3]byte{0x10, 0x00, 0x00}},
		{"checksum block 1", CommandPacket{CmdChecksum, 1}, [3]byte{0x11, 0x01, 0x00}},
		{"write little-endian", CommandPacket{CmdWrite, 0x1234}, [3]byte{0x13, 0x34, 0x12}},
		{"exit", CommandPacket{CmdExit, 0xffff}, [3]byte{0x15, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pkt.Pack(); got != tt.want {
				t.Errorf("Pack() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestResponsePacketLayout(t *testing.T) {
	got := ResponsePacket{Acknowledge: AckOK, Size: 0x0102}.Pack()
	want := [3]byte{0x01, 0x02, 0x01}
	if got != want {
		t.Errorf("Pack() = % x, want % x", got, want)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	blocks := []uint16{0, 1, 0xff, 0x100, 0x7fff, 0xffff}

	for code := 0; code < 256; code++ {
		for _, n := range blocks {
			p := CommandPacket{Command: CommandKind(code), BlockNumber: n}
			if got := ParseCommand(p.Pack()); got != p {
				t.Fatalf("ParseCommand(Pack(%v)) = %v", p, got)
			}
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	sizes := []uint16{0, 3, 0x8000, 0xffff}

	for a := 0; a < 256; a++ {
		for _, s := range sizes {
			p := ResponsePacket{Acknowledge: byte(a), Size: s}
			if got := ParseResponse(p.Pack()); got != p {
				t.Fatalf("ParseResponse(Pack(%v)) = %v", p, got)
			}
		}
	}
}

func TestOnlyOneIsAck(t *testing.T) {
	for a := 0; a < 256; a++ {
		r := ResponsePacket{Acknowledge: byte(a)}
		if r.Acked() != (a == 1) {
			t.Errorf("Acked() for 0x%02x = %v", a, r.Acked())
		}
	}
}

func TestCommandKind(t *testing.T) {
	tests := []struct {
		kind  CommandKind
		known bool
		str   string
	}{
		{CmdHello, true, "HELLO"},
		{CmdChecksum, true, "CHECKSUM"},
		{CmdRead, true, "READ"},
		{CmdWrite, true, "WRITE"},
		{CmdReset, true, "RESET"},
		{CmdExit, true, "EXIT"},
		{0x00, false, "unrecognized(0x00)"},
		{0x16, false, "unrecognized(0x16)"},
		{0xff, false, "unrecognized(0xff)"},
	}

	for _, tt := range tests {
		if tt.kind.Known() != tt.known {
			t.Errorf("%v.Known() = %v", tt.kind, tt.kind.Known())
		}
		if tt.kind.String() != tt.str {
			t.Errorf("String() = %q, want %q", tt.kind.String(), tt.str)
		}
	}
}

func TestChecksumMatchesZlib(t *testing.T) {
	// zlib: crc32(0, "123456789", 9)
	if got := Checksum([]byte("123456789")); got != 0xcbf43926 {
		t.Errorf("Checksum = 0x%08x", got)
	}
}

func TestValidChunkSize(t *testing.T) {
	tests := []struct {
		n    int
		want bool
	}{
		{64, true},
		{1, true},
		{4096, true},
		{0, false},
		{-64, false},
		{100, false},
		{8192, false},
	}
	for _, tt := range tests {
		if got := ValidChunkSize(tt.n); got != tt.want {
			t.Errorf("ValidChunkSize(%d) = %v", tt.n, got)
		}
	}
}
