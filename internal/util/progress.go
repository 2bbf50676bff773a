// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	barLength    = 25
	maxBarLength = 50
	clearLine    = "\r\x1b[2K\r"
)

// ProgressBar redraws a single line on a terminal. It draws nothing
// when the output is not a terminal.
type ProgressBar struct {
	w       io.Writer
	enabled bool
	length  int
	drawn   bool
}

// NewProgressBar returns a bar drawn on f, sized to the terminal.
func NewProgressBar(f *os.File) *ProgressBar {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return &ProgressBar{w: f}
	}

	length := barLength
	if cols, _, err := term.GetSize(fd); err == nil {
		// Room for a label and the percentage
		length = min(max(cols-30, barLength), maxBarLength)
	}

	return &ProgressBar{w: f, enabled: true, length: length}
}

// Update redraws the bar with label at done of total.
func (b *ProgressBar) Update(label string, done, total int) {
	if !b.enabled || total <= 0 {
		return
	}
	fmt.Fprint(b.w, clearLine+render(label, done, total, b.length))
	b.drawn = true
}

// Interrupt moves past the bar so a log line does not overwrite it.
func (b *ProgressBar) Interrupt() {
	if b.drawn {
		fmt.Fprint(b.w, "\n")
		b.drawn = false
	}
}

// Done finishes the line the bar is on.
func (b *ProgressBar) Done() {
	b.Interrupt()
}

func render(label string, done, total, length int) string {
	done = min(max(done, 0), total)
	percent := done * 100 / total
	filled := done * length / total

	return fmt.Sprintf("%s [%s%s] %3d%%", label,
		strings.Repeat("#", filled), strings.Repeat(" ", length-filled), percent)
}
