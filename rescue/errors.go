// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"fmt"
	"strings"
	"time"
)

type constError string

func (err constError) Error() string {
	return string(err)
}

const (
	// ErrHandshakeTimeout is returned by the board when no host
	// acknowledged HELLO in time. Flash has not been touched.
	ErrHandshakeTimeout = constError("handshake timed out")
	// ErrIdleTimeout is returned by the board when the host went quiet
	// in the middle of a session. Flash may be inconsistent.
	ErrIdleTimeout = constError("no command received within idle timeout")

	// errStalled means the other end went quiet part way through a
	// packet or chunk.
	errStalled = constError("peer stopped sending mid-packet")
)

// MalformedImageError is returned before any transport activity when
// the image cannot be cut into whole blocks.
type MalformedImageError struct {
	Size int64
}

func (e *MalformedImageError) Error() string {
	if e.Size > 0 && e.Size%BlockSize == 0 {
		return fmt.Sprintf("image is %d bytes, more than %d blocks can address",
			e.Size, MaxBlocks)
	}
	return fmt.Sprintf("image is %d bytes, not a positive multiple of %d", e.Size, BlockSize)
}

// NackError is a negative acknowledgement from the board.
type NackError struct {
	Op    string
	Block uint16
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%s (block %d, 0x%x) NACK'd", e.Op, e.Block, uint32(e.Block)*BlockSize)
}

// PeerUnresponsiveError is returned when the board did not answer
// within the acknowledgement timeout.
type PeerUnresponsiveError struct {
	Op      string
	Block   uint16
	Timeout time.Duration
}

func (e *PeerUnresponsiveError) Error() string {
	return fmt.Sprintf("%s (block %d): no response within %v", e.Op, e.Block, e.Timeout)
}

// VerificationError lists the blocks whose checksum still differed
// from the image after writing.
type VerificationError struct {
	Blocks []uint16
}

func (e *VerificationError) Error() string {
	addrs := make([]string, 0, len(e.Blocks))
	for _, b := range e.Blocks {
		addrs = append(addrs, fmt.Sprintf("0x%x", uint32(b)*BlockSize))
	}
	return fmt.Sprintf("verification failed for %d block(s) at %s",
		len(e.Blocks), strings.Join(addrs, ", "))
}
