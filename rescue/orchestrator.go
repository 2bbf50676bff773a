// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Phase names the pass the host is in.
type Phase string

const (
	PhaseWriting   Phase = "writing"
	PhaseVerifying Phase = "verifying"
)

// Progress is passed to the WithProgress callback after each block.
type Progress struct {
	Phase  Phase
	Block  int
	Blocks int
}

// Report summarises a Flash run.
type Report struct {
	Blocks     int
	Written    []uint16
	Mismatches []uint16
	// Elapsed covers the write and verify passes.
	Elapsed time.Duration
	// Final is the command the session was closed with.
	Final CommandKind
}

// Modified reports whether any block was written.
func (r *Report) Modified() bool {
	return len(r.Written) > 0
}

// Orchestrator is the host end of the protocol. It drives the whole
// procedure; the board only reacts.
type Orchestrator struct {
	link
	cfg config
}

// NewOrchestrator creates the host end on top of t.
func NewOrchestrator(t Transport, opts ...Option) (*Orchestrator, error) {
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Orchestrator{
		link: newLink(t, cfg),
		cfg:  cfg,
	}, nil
}

// Run checks the image, waits for the board's HELLO and flashes it.
// A malformed image is reported before the transport is used.
func (o *Orchestrator) Run(ctx context.Context, img io.ReadSeeker) (*Report, error) {
	size, err := imageSize(img)
	if err != nil {
		return nil, err
	}
	if _, err := ImageBlocks(size); err != nil {
		return nil, err
	}

	if err := o.AwaitHello(ctx); err != nil {
		return nil, fmt.Errorf("AwaitHello: %w", err)
	}

	return o.Flash(ctx, img)
}

// AwaitHello blocks until the board sends HELLO and acknowledges it.
// Other packets seen meanwhile are logged and dropped. Any further
// HELLOs the board sent before seeing the ack are discarded.
func (o *Orchestrator) AwaitHello(ctx context.Context) error {
	le.Printf("Awaiting HELLO...\n")
	start := o.now()

	for {
		wait := time.Duration(0)
		if o.cfg.helloTimeout > 0 {
			wait = o.cfg.helloTimeout - o.now().Sub(start)
			if wait <= 0 {
				return ErrHandshakeTimeout
			}
		}
		ok, err := o.waitBuffered(ctx, wait)
		if err != nil {
			return err
		}
		if !ok {
			return ErrHandshakeTimeout
		}

		cmd, err := o.readCommand(ctx, o.cfg.ackTimeout)
		if errors.Is(err, errStalled) {
			le.Printf("Dropping partial packet while awaiting HELLO\n")
			if err := o.t.ResetInputBuffer(); err != nil {
				return fmt.Errorf("ResetInputBuffer: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if cmd.Command == CmdHello {
			break
		}
		le.Printf("Still awaiting HELLO, got %v. Serial port busy...\n", cmd)
	}

	le.Printf("Board is present! Acknowledging its HELLO...\n")
	if err := o.writeResponse(ack); err != nil {
		return err
	}

	// Let a HELLO already in flight land before throwing it away
	if err := sleep(ctx, 2*o.cfg.helloInterval); err != nil {
		return err
	}
	if err := o.t.ResetInputBuffer(); err != nil {
		return fmt.Errorf("ResetInputBuffer: %w", err)
	}

	return nil
}

// Flash writes every block of img whose CRC differs from the board's,
// then, if anything was written, re-checks every block. The session
// is closed with EXIT when nothing changed, otherwise with RESET (or
// EXIT if WithoutReset was given). Verification mismatches are
// returned as *VerificationError after the session is closed.
func (o *Orchestrator) Flash(ctx context.Context, img io.ReadSeeker) (*Report, error) {
	size, err := imageSize(img)
	if err != nil {
		return nil, err
	}
	blocks, err := ImageBlocks(size)
	if err != nil {
		return nil, err
	}

	le.Printf("Image is %.2f MiB (%d blocks)\n", float64(size)/(1024*1024), blocks)

	rep := &Report{Blocks: blocks}
	buf := make([]byte, BlockSize)
	start := o.now()

	le.Printf("Writing...\n")
	for i := 0; i < blocks; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := readBlock(img, i, buf); err != nil {
			return rep, err
		}

		n := uint16(i)
		remote, err := o.RequestChecksum(ctx, n)
		if err != nil {
			return rep, fmt.Errorf("RequestChecksum: %w", err)
		}
		if remote != Checksum(buf) {
			if err := o.WriteBlock(ctx, n, buf); err != nil {
				return rep, fmt.Errorf("WriteBlock: %w", err)
			}
			rep.Written = append(rep.Written, n)
		}

		o.reportProgress(PhaseWriting, i+1, blocks)
	}

	if !rep.Modified() {
		le.Printf("Flash already matches the image\n")
		rep.Elapsed = o.now().Sub(start)
		rep.Final = CmdExit
		return rep, o.finish(CmdExit)
	}

	le.Printf("Verifying...\n")
	rep.Mismatches, err = o.Verify(ctx, img)
	if err != nil {
		return rep, err
	}
	rep.Elapsed = o.now().Sub(start)
	le.Printf("Write operation took %s\n", rep.Elapsed.Round(time.Second))

	rep.Final = CmdReset
	if o.cfg.noReset {
		rep.Final = CmdExit
	}
	if err := o.finish(rep.Final); err != nil {
		return rep, err
	}

	if len(rep.Mismatches) > 0 {
		return rep, &VerificationError{Blocks: rep.Mismatches}
	}
	return rep, nil
}

// Verify compares the board's checksum of every block with the image
// and returns the blocks that differ. A mismatch does not stop the
// scan.
func (o *Orchestrator) Verify(ctx context.Context, img io.ReadSeeker) ([]uint16, error) {
	size, err := imageSize(img)
	if err != nil {
		return nil, err
	}
	blocks, err := ImageBlocks(size)
	if err != nil {
		return nil, err
	}

	var mismatches []uint16
	buf := make([]byte, BlockSize)
	for i := 0; i < blocks; i++ {
		if err := ctx.Err(); err != nil {
			return mismatches, err
		}
		if err := readBlock(img, i, buf); err != nil {
			return mismatches, err
		}

		n := uint16(i)
		remote, err := o.RequestChecksum(ctx, n)
		if err != nil {
			return mismatches, fmt.Errorf("RequestChecksum: %w", err)
		}
		if remote != Checksum(buf) {
			le.Printf("Verification FAILURE at 0x%x!\n", uint32(n)*BlockSize)
			mismatches = append(mismatches, n)
		}

		o.reportProgress(PhaseVerifying, i+1, blocks)
	}

	return mismatches, nil
}

// RequestChecksum asks the board for the CRC-32 of block n.
func (o *Orchestrator) RequestChecksum(ctx context.Context, n uint16) (uint32, error) {
	var crc uint32

	err := o.retry(ctx, "CHECKSUM", n, func() error {
		if err := o.writeCommand(CommandPacket{Command: CmdChecksum, BlockNumber: n}); err != nil {
			return err
		}
		// Board acknowledges when it's ready
		if err := o.awaitAck(ctx, "CHECKSUM", n); err != nil {
			return err
		}
		var err error
		crc, err = o.readChecksum(ctx, o.cfg.ackTimeout)
		if errors.Is(err, errStalled) {
			return &PeerUnresponsiveError{Op: "CHECKSUM", Block: n, Timeout: o.cfg.ackTimeout}
		}
		return err
	})

	return crc, err
}

// WriteBlock sends block n to the board in chunks, waiting for each
// chunk to be acknowledged before sending the next. The last
// acknowledgement also confirms the board erased and wrote the block.
func (o *Orchestrator) WriteBlock(ctx context.Context, n uint16, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("block must be %d bytes, got %d", BlockSize, len(data))
	}

	return o.retry(ctx, "WRITE", n, func() error {
		if err := o.writeCommand(CommandPacket{Command: CmdWrite, BlockNumber: n}); err != nil {
			return err
		}
		if err := o.awaitAck(ctx, "WRITE", n); err != nil {
			return err
		}

		chunkSize := o.cfg.chunkSize
		for off := 0; off < BlockSize; off += chunkSize {
			if err := sleep(ctx, o.cfg.chunkDelay); err != nil {
				return err
			}
			if err := o.write(data[off : off+chunkSize]); err != nil {
				return err
			}
			if err := o.awaitAck(ctx, "WRITE_DATA", n); err != nil {
				return err
			}
		}
		return nil
	})
}

// awaitAck reads one response. A NACK is logged and returned as
// *NackError; no response within the ack timeout is a
// *PeerUnresponsiveError.
func (o *Orchestrator) awaitAck(ctx context.Context, op string, n uint16) error {
	ok, err := o.waitBuffered(ctx, o.cfg.ackTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return &PeerUnresponsiveError{Op: op, Block: n, Timeout: o.cfg.ackTimeout}
	}

	rsp, err := o.readResponse(ctx, o.cfg.ackTimeout)
	if errors.Is(err, errStalled) {
		return &PeerUnresponsiveError{Op: op, Block: n, Timeout: o.cfg.ackTimeout}
	}
	if err != nil {
		return err
	}
	if !rsp.Acked() {
		nackErr := &NackError{Op: op, Block: n}
		le.Printf("%v. Serial port busy...\n", nackErr)
		return nackErr
	}

	return nil
}

// retry runs f, running it again after a NACK up to the configured
// number of retries. Before each retry whatever is left of the failed
// exchange is discarded.
func (o *Orchestrator) retry(ctx context.Context, op string, n uint16, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()

		var nackErr *NackError
		if !errors.As(err, &nackErr) || attempt >= o.cfg.retries {
			return err
		}

		le.Printf("Retrying %s (block %d), attempt %d of %d\n", op, n, attempt+1, o.cfg.retries)
		if err := sleep(ctx, 2*o.cfg.helloInterval); err != nil {
			return err
		}
		if err := o.t.ResetInputBuffer(); err != nil {
			return fmt.Errorf("ResetInputBuffer: %w", err)
		}
	}
}

// finish sends the command closing the session. The board sends
// nothing back.
func (o *Orchestrator) finish(cmd CommandKind) error {
	le.Printf("Sending %v\n", cmd)
	return o.writeCommand(CommandPacket{Command: cmd})
}

func (o *Orchestrator) reportProgress(phase Phase, block, blocks int) {
	if o.cfg.progress != nil {
		o.cfg.progress(Progress{Phase: phase, Block: block, Blocks: blocks})
	}
}
