// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"fmt"
	"time"
)

// config holds the timing and sizing knobs of both ends. Each end
// only looks at the fields that concern it.
type config struct {
	region    string
	chunkSize int
	// Pause before each chunk is sent (host) or read (board).
	chunkDelay time.Duration

	helloInterval time.Duration
	helloTimeout  time.Duration
	idleTimeout   time.Duration
	settleDelay   time.Duration
	pollInterval  time.Duration

	ackTimeout time.Duration
	retries    int
	noReset    bool
	progress   func(Progress)
	dump       bool

	now func() time.Time
}

func defaultConfig() config {
	return config{
		region:        RegionBIOS,
		chunkSize:     DefaultChunkSize,
		helloInterval: 250 * time.Millisecond,
		idleTimeout:   10 * time.Second,
		settleDelay:   10 * time.Millisecond,
		pollInterval:  time.Millisecond,
		ackTimeout:    30 * time.Second,
		retries:       3,
		now:           time.Now,
	}
}

func (c config) validate() error {
	if !ValidChunkSize(c.chunkSize) {
		return fmt.Errorf("chunk size %d does not evenly divide the %d byte block", c.chunkSize, BlockSize)
	}
	if c.helloInterval <= 0 {
		return fmt.Errorf("hello interval must be positive")
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.now == nil {
		return fmt.Errorf("clock must not be nil")
	}
	return nil
}

// Option configures a Responder or an Orchestrator.
type Option func(*config)

// WithChunkSize sets how many bytes of a block are sent per
// acknowledged chunk. Both ends must agree, and the size must evenly
// divide BlockSize.
func WithChunkSize(size int) Option {
	return func(c *config) {
		c.chunkSize = size
	}
}

// WithChunkDelay sets a pause taken before each chunk. On the board it
// gives a slow serial bridge time to deliver the chunk; on the host it
// paces transmission.
func WithChunkDelay(d time.Duration) Option {
	return func(c *config) {
		c.chunkDelay = d
	}
}

// WithHelloInterval sets how long the board waits for an
// acknowledgement after each HELLO.
func WithHelloInterval(d time.Duration) Option {
	return func(c *config) {
		c.helloInterval = d
	}
}

// WithHelloTimeout bounds the whole handshake. The board defaults to
// 15 seconds. The host waits forever by default.
func WithHelloTimeout(d time.Duration) Option {
	return func(c *config) {
		c.helloTimeout = d
	}
}

// WithIdleTimeout sets the board's watchdog: the session is aborted
// when no command arrives for this long.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		c.idleTimeout = d
	}
}

// WithSettleDelay sets how long the board waits after noticing input
// before reading a command, so a packet split by a slow link arrives
// whole.
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) {
		c.settleDelay = d
	}
}

// WithPollInterval sets the sleep between polls for input.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithAckTimeout bounds each wait for a response on the host. Zero
// waits forever.
func WithAckTimeout(d time.Duration) Option {
	return func(c *config) {
		c.ackTimeout = d
	}
}

// WithRetries sets how many times the host re-issues a NACK'd command.
func WithRetries(n int) Option {
	return func(c *config) {
		c.retries = n
	}
}

// WithoutReset makes the host finish a modifying session with EXIT
// rather than RESET, for boards that cannot reset themselves.
func WithoutReset() Option {
	return func(c *config) {
		c.noReset = true
	}
}

// WithProgress sets a callback invoked once per block on the host.
func WithProgress(f func(Progress)) Option {
	return func(c *config) {
		c.progress = f
	}
}

// WithRegion sets the flash region name passed to FlashAccess.
func WithRegion(region string) Option {
	return func(c *config) {
		c.region = region
	}
}

// WithClock replaces time.Now as the monotonic time source.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithPacketDump hexdumps everything sent and received to the log.
func WithPacketDump() Option {
	return func(c *config) {
		c.dump = true
	}
}
