// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

// Package loopback provides an in-memory, connected pair of
// transports, standing in for a null-modem cable between host and
// board.
package loopback

import (
	"io"
	"sync"
)

// pipe is one direction of the cable.
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) write(d []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, d...)
	p.cond.Broadcast()
	return len(d), nil
}

func (p *pipe) read(d []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(d, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *pipe) buffered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0
}

func (p *pipe) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// Port is one end of the cable. It implements rescue.Transport.
type Port struct {
	rx *pipe
	tx *pipe
}

// Pair returns two ports; what is written to one is read from the
// other.
func Pair() (*Port, *Port) {
	a, b := newPipe(), newPipe()
	return &Port{rx: a, tx: b}, &Port{rx: b, tx: a}
}

// Read blocks until at least one byte is available or the cable is
// closed.
func (p *Port) Read(d []byte) (int, error) {
	return p.rx.read(d)
}

func (p *Port) Write(d []byte) (int, error) {
	return p.tx.write(d)
}

// Drain is a no-op, writes are delivered immediately.
func (p *Port) Drain() error {
	return nil
}

func (p *Port) Buffered() (bool, error) {
	return p.rx.buffered(), nil
}

func (p *Port) ResetInputBuffer() error {
	p.rx.reset()
	return nil
}

// Close closes both directions. Blocked reads on either end return
// io.EOF once drained.
func (p *Port) Close() error {
	p.rx.close()
	p.tx.close()
	return nil
}
