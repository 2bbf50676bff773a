// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

// Package rescue implements the early SPI flash rescue protocol: a
// small lockstep command/response protocol used to reflash a board
// whose firmware no longer boots, over a slow serial link.
//
// The board side is a Responder. It announces itself with HELLO until
// the host acknowledges, then serves commands:
//
//	r, err := rescue.NewResponder(port, flash, rescue.NopResetter{})
//	err = r.Run(ctx)
//
// The host side is an Orchestrator. It answers the HELLO and then
// writes only those 4 KiB blocks whose CRC-32 differs from the image:
//
//	o, err := rescue.NewOrchestrator(port)
//	report, err := o.Run(ctx, imageFile)
//
// Both ends must be configured with the same chunk size.
//
// Packets are always 3 bytes. There are no delimiters, so both ends
// read exactly one packet at a time and never resynchronize.
package rescue

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"time"
)

var le = log.New(os.Stderr, "", 0)

func SilenceLogging() {
	le.SetOutput(io.Discard)
}

const (
	// ProtocolVersion is printed by the tools, it is not sent on the
	// wire.
	ProtocolVersion = "0.25"

	// BlockSize is the unit that is checksummed, erased and written.
	BlockSize = 4096
	// MaxBlocks is how many blocks a 16-bit block number can address.
	MaxBlocks = 1 << 16
	// DefaultChunkSize is how much of a block is sent before waiting
	// for an acknowledgement.
	DefaultChunkSize = 64
	// ChecksumLen is the length of the CRC that follows a CHECKSUM
	// acknowledgement.
	ChecksumLen = 4

	// RegionBIOS is the flash region the block numbers refer to.
	RegionBIOS = "BIOS region"
)

// Transport is a duplex byte channel to the other end. Buffered is the
// only call expected not to block.
type Transport interface {
	io.Reader
	io.Writer
	// Drain blocks until everything written has been transmitted.
	Drain() error
	// Buffered reports whether at least one byte can be read
	// without blocking.
	Buffered() (bool, error)
	// ResetInputBuffer discards received but unread bytes.
	ResetInputBuffer() error
}

// Checksum is the CRC-32 used on both ends, the same as zlib's
// crc32(0, block, len).
func Checksum(block []byte) uint32 {
	return crc32.ChecksumIEEE(block)
}

// ValidChunkSize reports whether n can be used as transfer chunk
// size.
func ValidChunkSize(n int) bool {
	return n > 0 && n <= BlockSize && BlockSize%n == 0
}

// link wraps a Transport with the packet level helpers shared by both
// ends.
type link struct {
	t            Transport
	pollInterval time.Duration
	now          func() time.Time
	dump         bool
}

func newLink(t Transport, cfg config) link {
	return link{t: t, pollInterval: cfg.pollInterval, now: cfg.now, dump: cfg.dump}
}

func (l link) write(d []byte) error {
	if l.dump {
		Dump("tx", d)
	}
	if _, err := l.t.Write(d); err != nil {
		return fmt.Errorf("Write: %w", err)
	}
	if err := l.t.Drain(); err != nil {
		return fmt.Errorf("Drain: %w", err)
	}
	return nil
}

func (l link) writeCommand(p CommandPacket) error {
	b := p.Pack()
	return l.write(b[:])
}

func (l link) writeResponse(p ResponsePacket) error {
	b := p.Pack()
	return l.write(b[:])
}

// readFull fills d. Once a packet has started, each further byte must
// arrive within timeout or errStalled is returned. A timeout <= 0 waits
// as long as ctx allows.
func (l link) readFull(ctx context.Context, d []byte, timeout time.Duration) error {
	for got := 0; got < len(d); {
		ok, err := l.waitBuffered(ctx, timeout)
		if err != nil {
			return err
		}
		if !ok {
			return errStalled
		}
		n, err := l.t.Read(d[got:])
		got += n
		if err != nil {
			return fmt.Errorf("Read: %w", err)
		}
	}
	if l.dump {
		Dump("rx", d)
	}
	return nil
}

func (l link) readCommand(ctx context.Context, timeout time.Duration) (CommandPacket, error) {
	var b [PacketLen]byte
	if err := l.readFull(ctx, b[:], timeout); err != nil {
		return CommandPacket{}, err
	}
	return ParseCommand(b), nil
}

func (l link) readResponse(ctx context.Context, timeout time.Duration) (ResponsePacket, error) {
	var b [PacketLen]byte
	if err := l.readFull(ctx, b[:], timeout); err != nil {
		return ResponsePacket{}, err
	}
	return ParseResponse(b), nil
}

func (l link) readChecksum(ctx context.Context, timeout time.Duration) (uint32, error) {
	var b [ChecksumLen]byte
	if err := l.readFull(ctx, b[:], timeout); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// waitBuffered polls until input is available or timeout has passed.
// A timeout <= 0 waits until input arrives or ctx is done.
func (l link) waitBuffered(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := l.now().Add(timeout)
	for {
		ok, err := l.t.Buffered()
		if err != nil {
			return false, fmt.Errorf("Buffered: %w", err)
		}
		if ok {
			return true, nil
		}
		if timeout > 0 && !l.now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, l.pollInterval); err != nil {
			return false, err
		}
	}
}

// sleep pauses for d, returning early with ctx's error if it is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
