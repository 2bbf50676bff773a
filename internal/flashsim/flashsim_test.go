// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package flashsim

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const region = "BIOS region"

func TestMemoryEraseThenWrite(t *testing.T) {
	m := NewMemory(region, make([]byte, 16))

	if err := m.FlashErase(region, 4, 8); err != nil {
		t.Fatal(err)
	}
	if err := m.FlashWrite(region, 4, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}

	got, err := m.FlashRead(region, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("contents = % x, want % x", got, want)
	}
	if w := m.Writes(); len(w) != 1 || w[0] != 4 {
		t.Errorf("Writes() = %v", w)
	}
}

func TestMemoryWriteWithoutEraseOnlyClearsBits(t *testing.T) {
	m := NewMemory(region, []byte{0x0f, 0xf0})

	if err := m.FlashWrite(region, 0, []byte{0xff, 0xff}); err != nil {
		t.Fatal(err)
	}
	if got := m.Contents(); !bytes.Equal(got, []byte{0x0f, 0xf0}) {
		t.Errorf("contents = % x", got)
	}
}

func TestMemoryBoundsAndRegion(t *testing.T) {
	m := NewMemory(region, make([]byte, 8))

	tests := []struct {
		name string
		err  error
	}{
		{"read past end", func() error { _, err := m.FlashRead(region, 4, 8); return err }()},
		{"erase past end", m.FlashErase(region, 8, 1)},
		{"write past end", m.FlashWrite(region, 7, []byte{1, 2})},
		{"wrong region", func() error { _, err := m.FlashRead("ME region", 0, 1); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestMemoryFault(t *testing.T) {
	m := NewMemory(region, make([]byte, 8))
	boom := errors.New("boom")
	m.SetFault(func(op string, address uint32) error {
		if op == "erase" {
			return boom
		}
		return nil
	})

	if err := m.FlashErase(region, 0, 8); !errors.Is(err, boom) {
		t.Errorf("erase err = %v", err)
	}
	if _, err := m.FlashRead(region, 0, 8); err != nil {
		t.Errorf("read err = %v", err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	if err := os.WriteFile(path, make([]byte, 32), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(region, path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	size, err := f.Size(region)
	if err != nil || size != 32 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	if err := f.FlashErase(region, 16, 16); err != nil {
		t.Fatal(err)
	}
	if err := f.FlashWrite(region, 16, []byte("rescued")); err != nil {
		t.Fatal(err)
	}

	got, err := f.FlashRead(region, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte("rescued"), bytes.Repeat([]byte{Erased}, 9)...)
	if !bytes.Equal(got, want) {
		t.Errorf("read = % x, want % x", got, want)
	}

	if _, err := f.FlashRead(region, 30, 4); err == nil {
		t.Error("read past end should fail")
	}
}
