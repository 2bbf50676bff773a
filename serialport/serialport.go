// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

// Package serialport provides the serial link used by both ends of
// the rescue protocol. To open a port:
//
//	p, err := serialport.Open(device, serialport.WithSpeed(115200))
//
// A *Port satisfies rescue.Transport.
package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultSpeed in bps used for the rescue link.
const DefaultSpeed = 115200

// Port is an open serial device. It is not safe for concurrent use.
type Port struct {
	device string
	speed  int
	conn   serial.Port

	// A byte taken off the wire by Buffered but not yet returned by
	// Read
	peeked    byte
	hasPeeked bool
}

func WithSpeed(speed int) func(*Port) {
	return func(p *Port) {
		p.speed = speed
	}
}

// Open opens device as 8N1 at the speed given by WithSpeed, or
// DefaultSpeed.
func Open(device string, options ...func(*Port)) (*Port, error) {
	p := &Port{
		device: device,
		speed:  DefaultSpeed,
	}
	for _, opt := range options {
		opt(p)
	}

	var err error
	p.conn, err = serial.Open(device, p.mode())
	if err != nil {
		return nil, fmt.Errorf("Open %s: %w", device, err)
	}

	return p, nil
}

func (p *Port) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: p.speed,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Device returns the path the port was opened with.
func (p *Port) Device() string {
	return p.device
}

// Speed returns the current speed in bps.
func (p *Port) Speed() int {
	return p.speed
}

// SetSpeed changes the speed of the open port.
func (p *Port) SetSpeed(speed int) error {
	old := p.speed
	p.speed = speed
	if err := p.conn.SetMode(p.mode()); err != nil {
		p.speed = old
		return fmt.Errorf("SetMode: %w", err)
	}
	return nil
}

// Close the port
func (p *Port) Close() error {
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("conn.Close: %w", err)
	}
	return nil
}

func (p *Port) Read(d []byte) (int, error) {
	if len(d) == 0 {
		return 0, nil
	}

	if p.hasPeeked {
		d[0] = p.peeked
		p.hasPeeked = false
		return 1, nil
	}

	n, err := p.conn.Read(d)
	if err != nil {
		return n, fmt.Errorf("Read: %w", err)
	}
	return n, nil
}

func (p *Port) Write(d []byte) (int, error) {
	n, err := p.conn.Write(d)
	if err != nil {
		return n, fmt.Errorf("Write: %w", err)
	}
	return n, nil
}

// Drain waits until everything written has been transmitted.
func (p *Port) Drain() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("Drain: %w", err)
	}
	return nil
}

// ResetInputBuffer throws away everything received but not yet read.
func (p *Port) ResetInputBuffer() error {
	p.hasPeeked = false
	if err := p.conn.ResetInputBuffer(); err != nil {
		return fmt.Errorf("ResetInputBuffer: %w", err)
	}
	return nil
}

// Buffered reports whether at least one byte can be read without
// blocking. The serial library has no way to ask, so a byte is read
// with a zero timeout and kept for the next Read.
func (p *Port) Buffered() (bool, error) {
	if p.hasPeeked {
		return true, nil
	}

	if err := p.conn.SetReadTimeout(0); err != nil {
		return false, fmt.Errorf("SetReadTimeout: %w", err)
	}
	var b [1]byte
	n, err := p.conn.Read(b[:])
	if rerr := p.conn.SetReadTimeout(serial.NoTimeout); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return false, fmt.Errorf("Read: %w", err)
	}

	if n == 1 {
		p.peeked = b[0]
		p.hasPeeked = true
	}
	return p.hasPeeked, nil
}
