// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

// Package buspirate brings up the serial link between the host and the
// board. With a Bus Pirate in between, its interactive console has to
// be switched into bridging the board's debug port before the rescue
// protocol can run, and switched back afterwards:
//
//	bp, err := buspirate.New(port, buspirate.ModeBusPirate, buspirate.WithHighSpeed())
//	err = bp.Enter()
//	defer bp.Exit()
//
// A plain UART needs nothing of this.
package buspirate

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

var le = log.New(os.Stderr, "", 0)

func SilenceLogging() {
	le.SetOutput(io.Discard)
}

// Link is the serial port under the bridge.
type Link interface {
	io.Writer
	Drain() error
	ResetInputBuffer() error
	SetSpeed(bps int) error
}

// Mode selects how the link is brought up.
type Mode int

const (
	ModeBusPirate Mode = 1
	// ModePlain is a UART wired straight to the board
	ModePlain Mode = 254
	// ModeReserved is the upper bound of the mode numbers and not a
	// usable mode
	ModeReserved Mode = 255
)

func (m Mode) String() string {
	switch m {
	case ModeBusPirate:
		return "Bus Pirate"
	case ModePlain:
		return "plain UART"
	case ModeReserved:
		return "reserved"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode checks a mode number given on the command line.
func ParseMode(n int) (Mode, error) {
	switch m := Mode(n); m {
	case ModeBusPirate, ModePlain:
		return m, nil
	}
	return 0, fmt.Errorf("unsupported mode %d", n)
}

const (
	NormalSpeed = 115200
	HighSpeed   = 1000000

	// ChunkSize is the largest chunk the Bus Pirate relays reliably
	ChunkSize = 64

	defaultPause = 100 * time.Millisecond
)

// Console input understood by the Bus Pirate
var (
	seqExitBridge = []byte{0x1b, 0x5b, 0x32, 0x34, 0x7e}
	seqNewline    = []byte("\n")
	seqReset      = []byte("\n#\n")
	seqSpeedHigh  = []byte("b\n10\n3\n")
	seqSpeedLow   = []byte("b\n9\n")
	seqSpeedAck   = []byte(" \n")
	seqI2CMode    = []byte("m\n4\n2\n")
	seqDebugPort  = []byte("(5)\n")
)

type Bridge struct {
	link      Link
	mode      Mode
	highSpeed bool
	pause     time.Duration
	entered   bool
}

// WithHighSpeed makes Enter switch the Bus Pirate's baud rate
// generator to HighSpeed.
func WithHighSpeed() func(*Bridge) {
	return func(b *Bridge) {
		b.highSpeed = true
	}
}

// WithPause sets how long to let the console digest each command.
func WithPause(d time.Duration) func(*Bridge) {
	return func(b *Bridge) {
		b.pause = d
	}
}

func New(link Link, mode Mode, options ...func(*Bridge)) (*Bridge, error) {
	if _, err := ParseMode(int(mode)); err != nil {
		return nil, err
	}

	b := &Bridge{
		link:  link,
		mode:  mode,
		pause: defaultPause,
	}
	for _, opt := range options {
		opt(b)
	}

	return b, nil
}

// ChunkSize returns the largest WRITE chunk the link carries, or 0 if
// it has no limit of its own.
func (b *Bridge) ChunkSize() int {
	if b.mode == ModeBusPirate {
		return ChunkSize
	}
	return 0
}

// Enter prepares the link for the rescue protocol. Whatever the
// console echoed is discarded.
func (b *Bridge) Enter() error {
	if b.mode == ModeBusPirate {
		le.Printf("Connecting Bus Pirate to the debug port...\n")

		for _, seq := range [][]byte{seqExitBridge, seqNewline, seqReset} {
			if err := b.send(seq); err != nil {
				return err
			}
		}
		if b.highSpeed {
			if err := b.switchSpeed(true); err != nil {
				return err
			}
		}
		for _, seq := range [][]byte{seqI2CMode, seqDebugPort} {
			if err := b.send(seq); err != nil {
				return err
			}
		}
	}

	b.entered = true
	return b.flush()
}

// Exit returns the Bus Pirate to its console at NormalSpeed. It does
// nothing unless Enter was called.
func (b *Bridge) Exit() error {
	if !b.entered {
		return nil
	}
	b.entered = false

	if b.mode == ModeBusPirate {
		for _, seq := range [][]byte{seqExitBridge, seqNewline} {
			if err := b.send(seq); err != nil {
				return err
			}
		}
		if b.highSpeed {
			if err := b.switchSpeed(false); err != nil {
				return err
			}
		}
	}

	return b.flush()
}

// switchSpeed moves both the Bus Pirate and the local port to the
// other speed. The Bus Pirate wants a space once it hears us at the
// new rate.
func (b *Bridge) switchSpeed(high bool) error {
	seq, speed := seqSpeedLow, NormalSpeed
	if high {
		seq, speed = seqSpeedHigh, HighSpeed
	}

	if err := b.send(seq); err != nil {
		return err
	}
	if err := b.link.SetSpeed(speed); err != nil {
		return fmt.Errorf("SetSpeed: %w", err)
	}
	return b.send(seqSpeedAck)
}

func (b *Bridge) send(seq []byte) error {
	if _, err := b.link.Write(seq); err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	if err := b.link.Drain(); err != nil {
		return fmt.Errorf("Drain: %w", err)
	}
	time.Sleep(b.pause)
	return nil
}

func (b *Bridge) flush() error {
	if err := b.link.ResetInputBuffer(); err != nil {
		return fmt.Errorf("ResetInputBuffer: %w", err)
	}
	return nil
}
