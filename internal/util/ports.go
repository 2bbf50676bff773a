// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"fmt"
	"os"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB IDs of the adapters usually found between host and board
var knownAdapters = map[string]string{
	"0403:6001": "Bus Pirate v3 (FTDI)",
	"04d8:fb00": "Bus Pirate v4",
	"1209:7331": "Bus Pirate 5",
	"067b:2303": "PL2303 UART",
	"10c4:ea60": "CP210x UART",
	"1a86:7523": "CH340 UART",
}

type SerialPort struct {
	DevPath      string
	SerialNumber string
	VID          string
	PID          string
}

// Adapter names the USB adapter behind the port, if it is a known one.
func (p SerialPort) Adapter() string {
	return knownAdapters[strings.ToLower(p.VID+":"+p.PID)]
}

func (p SerialPort) String() string {
	s := p.DevPath
	if p.VID != "" {
		s += fmt.Sprintf(" [%s:%s]", strings.ToLower(p.VID), strings.ToLower(p.PID))
	}
	if a := p.Adapter(); a != "" {
		s += " " + a
	}
	if p.SerialNumber != "" {
		s += fmt.Sprintf(" with serial number %s", p.SerialNumber)
	}
	return s
}

// DetectSerialPort returns the only USB serial port. If there is none,
// or more than one, it explains on stderr and returns "".
func DetectSerialPort() (string, error) {
	ports, err := GetSerialPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "Could not detect any USB serial ports. You may pass\n"+
			"a known path using the --port flag.\n")
		return "", nil
	}
	if len(ports) > 1 {
		fmt.Fprintf(os.Stderr, "Detected %d USB serial ports:\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(os.Stderr, "%s\n", p)
		}
		fmt.Fprintf(os.Stderr, "Please choose one of the above by using the --port flag.\n")
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "Auto-detected serial port %s\n", ports[0])
	return ports[0].DevPath, nil
}

// GetSerialPorts lists the serial ports backed by a USB device.
func GetSerialPorts() ([]SerialPort, error) {
	portDetails, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("GetDetailedPortsList: %w", err)
	}
	return usbPorts(portDetails), nil
}

func usbPorts(details []*enumerator.PortDetails) []SerialPort {
	var ports []SerialPort
	for _, port := range details {
		if port.IsUSB {
			ports = append(ports, SerialPort{
				DevPath:      port.Name,
				SerialNumber: port.SerialNumber,
				VID:          port.VID,
				PID:          port.PID,
			})
		}
	}
	return ports
}
