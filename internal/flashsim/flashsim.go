// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

// Package flashsim provides simulated SPI flash for the board end of
// the rescue protocol: an in-memory region for tests and a file backed
// region for running a board on a workstation.
package flashsim

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Erased is the value of every byte of an erased flash sector.
const Erased = 0xff

// Memory is a single flash region held in memory.
type Memory struct {
	mu     sync.Mutex
	region string
	data   []byte
	writes []uint32
	fault  func(op string, address uint32) error
}

// NewMemory returns a region called region holding a copy of
// contents.
func NewMemory(region string, contents []byte) *Memory {
	return &Memory{
		region: region,
		data:   bytes.Clone(contents),
	}
}

// SetFault installs f to be consulted before every read, erase and
// write. A non-nil error from f is returned instead of performing the
// operation. The op passed is "read", "erase" or "write".
func (m *Memory) SetFault(f func(op string, address uint32) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *Memory) check(op, region string, address, length uint32) error {
	if region != m.region {
		return fmt.Errorf("unknown flash region %q", region)
	}
	if uint64(address)+uint64(length) > uint64(len(m.data)) {
		return fmt.Errorf("%s 0x%x+0x%x is outside the 0x%x byte region", op, address, length, len(m.data))
	}
	if m.fault != nil {
		return m.fault(op, address)
	}
	return nil
}

func (m *Memory) FlashRead(region string, address, length uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("read", region, address, length); err != nil {
		return nil, err
	}
	return bytes.Clone(m.data[address : address+length]), nil
}

func (m *Memory) FlashErase(region string, address, length uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("erase", region, address, length); err != nil {
		return err
	}
	for i := range m.data[address : address+length] {
		m.data[address+uint32(i)] = Erased
	}
	return nil
}

func (m *Memory) FlashWrite(region string, address uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("write", region, address, uint32(len(data))); err != nil {
		return err
	}
	// Programming can only clear bits
	for i, b := range data {
		m.data[address+uint32(i)] &= b
	}
	m.writes = append(m.writes, address)
	return nil
}

func (m *Memory) Size(region string) (uint32, error) {
	if region != m.region {
		return 0, fmt.Errorf("unknown flash region %q", region)
	}
	return uint32(len(m.data)), nil
}

// Contents returns a copy of the region.
func (m *Memory) Contents() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data)
}

// Writes returns the addresses of all successful writes, in order.
func (m *Memory) Writes() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.writes...)
}

// File is a single flash region backed by a file, e.g. a dump of the
// real chip.
type File struct {
	region string
	f      *os.File
}

// OpenFile opens path for reading and writing as region.
func OpenFile(region, path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}
	return &File{region: region, f: f}, nil
}

func (f *File) Close() error {
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}

func (f *File) check(region string, address, length uint32) error {
	if region != f.region {
		return fmt.Errorf("unknown flash region %q", region)
	}
	size, err := f.Size(region)
	if err != nil {
		return err
	}
	if uint64(address)+uint64(length) > uint64(size) {
		return fmt.Errorf("0x%x+0x%x is outside the 0x%x byte region", address, length, size)
	}
	return nil
}

func (f *File) FlashRead(region string, address, length uint32) ([]byte, error) {
	if err := f.check(region, address, length); err != nil {
		return nil, err
	}
	d := make([]byte, length)
	if _, err := f.f.ReadAt(d, int64(address)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ReadAt: %w", err)
	}
	return d, nil
}

func (f *File) FlashErase(region string, address, length uint32) error {
	if err := f.check(region, address, length); err != nil {
		return err
	}
	if _, err := f.f.WriteAt(bytes.Repeat([]byte{Erased}, int(length)), int64(address)); err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}
	return nil
}

func (f *File) FlashWrite(region string, address uint32, data []byte) error {
	if err := f.check(region, address, uint32(len(data))); err != nil {
		return err
	}
	if _, err := f.f.WriteAt(data, int64(address)); err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("Sync: %w", err)
	}
	return nil
}

func (f *File) Size(region string) (uint32, error) {
	if region != f.region {
		return 0, fmt.Errorf("unknown flash region %q", region)
	}
	fi, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("Stat: %w", err)
	}
	return uint32(fi.Size()), nil
}
