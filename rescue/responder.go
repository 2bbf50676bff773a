// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FlashAccess is the board's flash controller. Addresses are byte
// offsets inside region.
type FlashAccess interface {
	FlashRead(region string, address, length uint32) ([]byte, error)
	FlashErase(region string, address, length uint32) error
	FlashWrite(region string, address uint32, data []byte) error
	// Size returns the length of region in bytes.
	Size(region string) (uint32, error)
}

// SystemResetter restarts the board. On real hardware Reset does not
// return.
type SystemResetter interface {
	Reset() error
}

// NopResetter is used on boards where restarting from the rescue loop
// is not supported. It only logs.
type NopResetter struct{}

func (NopResetter) Reset() error {
	le.Printf("Refusing to restart, reset the board manually\n")
	return nil
}

// State is where the board's command loop is.
type State int

const (
	StateIdle State = iota
	StateAwaitingCommand
	StateDispatching
	StateTerminatedOK
	StateTerminatedTimeout
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCommand:
		return "awaiting command"
	case StateDispatching:
		return "dispatching"
	case StateTerminatedOK:
		return "terminated (ok)"
	case StateTerminatedTimeout:
		return "terminated (timeout)"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Responder is the board end of the protocol. It owns flash access and
// only ever reacts to the host, apart from the initial HELLO.
type Responder struct {
	link
	cfg      config
	flash    FlashAccess
	resetter SystemResetter

	state        State
	lastServiced time.Time
}

// NewResponder creates the board end on top of t. A nil resetter is
// replaced by NopResetter.
func NewResponder(t Transport, flash FlashAccess, resetter SystemResetter, opts ...Option) (*Responder, error) {
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if flash == nil {
		return nil, fmt.Errorf("flash access cannot be nil")
	}
	if resetter == nil {
		resetter = NopResetter{}
	}

	cfg := defaultConfig()
	cfg.helloTimeout = 15 * time.Second
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.helloTimeout <= 0 {
		return nil, fmt.Errorf("hello timeout must be positive")
	}

	return &Responder{
		link:     newLink(t, cfg),
		cfg:      cfg,
		flash:    flash,
		resetter: resetter,
	}, nil
}

// State returns the current state of the command loop.
func (r *Responder) State() State {
	return r.state
}

// Run performs the handshake and, if the host answered, serves
// commands until EXIT, RESET or the watchdog fires.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.Handshake(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Handshake announces the board with HELLO until the host acknowledges
// or the hello timeout passes, in which case ErrHandshakeTimeout is
// returned.
func (r *Responder) Handshake(ctx context.Context) error {
	hello := CommandPacket{Command: CmdHello}
	start := r.now()

	for r.now().Sub(start) < r.cfg.helloTimeout {
		// The previous one may never have made it out of the FIFO
		if err := r.writeCommand(hello); err != nil {
			return err
		}

		ok, err := r.waitBuffered(ctx, r.cfg.helloInterval)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		rsp, err := r.readResponse(ctx, r.cfg.helloInterval)
		if errors.Is(err, errStalled) {
			le.Printf("Dropping partial response to HELLO\n")
			if err := r.t.ResetInputBuffer(); err != nil {
				return fmt.Errorf("ResetInputBuffer: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if rsp.Acked() {
			le.Printf("Host acknowledged HELLO\n")
			return nil
		}

		le.Printf("Ignoring response 0x%02x to HELLO\n", rsp.Acknowledge)
		if err := sleep(ctx, r.cfg.helloInterval); err != nil {
			return err
		}
	}

	return ErrHandshakeTimeout
}

// Serve runs the command loop. It returns nil after EXIT or RESET and
// ErrIdleTimeout when no command arrived within the idle timeout, or
// when the host stopped sending for that long in the middle of a
// command or block.
// There is no rollback on timeout, so flash may be left half written.
func (r *Responder) Serve(ctx context.Context) error {
	// The one block buffer lives for the session only
	block := make([]byte, BlockSize)

	r.lastServiced = r.now()
	r.state = StateAwaitingCommand

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pending, err := r.t.Buffered()
		if err != nil {
			return fmt.Errorf("Buffered: %w", err)
		}

		if pending {
			// The rest of the packet may still be on its way
			if err := sleep(ctx, r.cfg.settleDelay); err != nil {
				return err
			}

			cmd, err := r.readCommand(ctx, r.cfg.idleTimeout)
			if errors.Is(err, errStalled) {
				return r.idle()
			}
			if err != nil {
				return err
			}

			r.state = StateDispatching
			done, err := r.dispatch(ctx, cmd, block)
			if errors.Is(err, errStalled) {
				le.Printf("Host went quiet during %v\n", cmd)
				return r.idle()
			}
			if err != nil {
				return fmt.Errorf("%v: %w", cmd, err)
			}
			r.lastServiced = r.now()

			if done {
				r.state = StateTerminatedOK
				return nil
			}
			r.state = StateAwaitingCommand
		}

		if r.now().Sub(r.lastServiced) >= r.cfg.idleTimeout {
			return r.idle()
		}

		if !pending {
			if err := sleep(ctx, r.cfg.pollInterval); err != nil {
				return err
			}
		}
	}
}

func (r *Responder) idle() error {
	r.state = StateTerminatedTimeout
	le.Printf("No command for %v. Flash could be inconsistent!\n", r.cfg.idleTimeout)
	return ErrIdleTimeout
}

// dispatch serves one command. It reports whether the loop should
// end. Errors returned are transport errors; flash errors are turned
// into NACKs.
func (r *Responder) dispatch(ctx context.Context, cmd CommandPacket, block []byte) (bool, error) {
	switch cmd.Command {
	case CmdChecksum:
		return false, r.sendChecksum(cmd.BlockNumber)

	case CmdWrite:
		return false, r.receiveBlock(ctx, cmd.BlockNumber, block)

	case CmdReset:
		le.Printf("Resetting\n")
		if err := r.resetter.Reset(); err != nil {
			le.Printf("Reset: %v\n", err)
		}
		return true, nil

	case CmdExit:
		le.Printf("Host is done, exiting\n")
		return true, nil

	case CmdRead:
		le.Printf("Ignoring %v, not implemented\n", cmd)

	default:
		le.Printf("Ignoring unexpected command %v\n", cmd)
	}

	return false, nil
}

// address returns the byte offset of block n, checking that the whole
// block is inside the region.
func (r *Responder) address(n uint16) (uint32, error) {
	size, err := r.flash.Size(r.cfg.region)
	if err != nil {
		return 0, fmt.Errorf("Size: %w", err)
	}
	addr := uint32(n) * BlockSize
	if uint64(addr)+BlockSize > uint64(size) {
		return 0, fmt.Errorf("block %d is outside the %d byte %s", n, size, r.cfg.region)
	}
	return addr, nil
}

// sendChecksum answers CHECKSUM with an ack followed by the CRC-32 of
// the block, or with a NACK if the block could not be read.
func (r *Responder) sendChecksum(n uint16) error {
	addr, err := r.address(n)
	if err != nil {
		le.Printf("CHECKSUM: %v\n", err)
		return r.writeResponse(nack)
	}

	data, err := r.flash.FlashRead(r.cfg.region, addr, BlockSize)
	if err == nil && len(data) != BlockSize {
		err = fmt.Errorf("short read, got %d bytes", len(data))
	}
	if err != nil {
		le.Printf("Failed to read block %d: %v\n", n, err)
		return r.writeResponse(nack)
	}

	crc := Checksum(data)
	le.Printf("CRC-32 of block %d (0x%x) is 0x%08x\n", n, addr, crc)

	if err := r.writeResponse(ack); err != nil {
		return err
	}
	var b [ChecksumLen]byte
	binary.LittleEndian.PutUint32(b[:], crc)
	return r.write(b[:])
}

// receiveBlock answers WRITE. The block arrives in chunks, each
// acknowledged before the host sends the next. The response to the
// last chunk is held back until the block has been erased and
// written, and is a NACK if that failed.
func (r *Responder) receiveBlock(ctx context.Context, n uint16, block []byte) error {
	addr, err := r.address(n)
	if err != nil {
		le.Printf("WRITE: %v\n", err)
		return r.writeResponse(nack)
	}

	le.Printf("Writing block %d (0x%x)\n", n, addr)
	if err := r.writeResponse(ack); err != nil {
		return err
	}

	chunkSize := r.cfg.chunkSize
	for off := 0; off < BlockSize; off += chunkSize {
		if err := sleep(ctx, r.cfg.chunkDelay); err != nil {
			return err
		}
		if err := r.readFull(ctx, block[off:off+chunkSize], r.cfg.idleTimeout); err != nil {
			return err
		}
		if off+chunkSize < BlockSize {
			if err := r.writeResponse(ack); err != nil {
				return err
			}
		}
	}

	if err := r.commit(addr, block); err != nil {
		le.Printf("Failed to write block %d: %v\n", n, err)
		return r.writeResponse(nack)
	}

	return r.writeResponse(ack)
}

func (r *Responder) commit(addr uint32, block []byte) error {
	if err := r.flash.FlashErase(r.cfg.region, addr, BlockSize); err != nil {
		return fmt.Errorf("FlashErase: %w", err)
	}
	if err := r.flash.FlashWrite(r.cfg.region, addr, block); err != nil {
		return fmt.Errorf("FlashWrite: %w", err)
	}
	return nil
}
