// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.bug.st/serial/enumerator"
)

func TestUSBPortsOnly(t *testing.T) {
	details := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "A10KZP45"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1D50", PID: "6018"},
	}

	want := []SerialPort{
		{DevPath: "/dev/ttyUSB0", SerialNumber: "A10KZP45", VID: "0403", PID: "6001"},
		{DevPath: "/dev/ttyACM0", VID: "1D50", PID: "6018"},
	}
	if diff := cmp.Diff(want, usbPorts(details)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSerialPortString(t *testing.T) {
	tests := []struct {
		port SerialPort
		want string
	}{
		{
			SerialPort{DevPath: "/dev/ttyUSB0", VID: "0403", PID: "6001", SerialNumber: "A10KZP45"},
			"/dev/ttyUSB0 [0403:6001] Bus Pirate v3 (FTDI) with serial number A10KZP45",
		},
		{
			SerialPort{DevPath: "/dev/ttyACM0", VID: "1D50", PID: "6018"},
			"/dev/ttyACM0 [1d50:6018]",
		},
		{
			SerialPort{DevPath: "COM3"},
			"COM3",
		},
	}
	for _, tt := range tests {
		if got := tt.port.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
