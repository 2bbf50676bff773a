// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package util

import (
	"bytes"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		done, total int
		want        string
	}{
		{0, 8, "Writing [          ]   0%"},
		{4, 8, "Writing [#####     ]  50%"},
		{8, 8, "Writing [##########] 100%"},
		{9, 8, "Writing [##########] 100%"},
		{1, 3, "Writing [###       ]  33%"},
	}
	for _, tt := range tests {
		if got := render("Writing", tt.done, tt.total, 10); got != tt.want {
			t.Errorf("render(%d, %d) = %q, want %q", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestDisabledBarDrawsNothing(t *testing.T) {
	var buf bytes.Buffer
	b := &ProgressBar{w: &buf}

	b.Update("Writing", 1, 2)
	b.Done()
	if buf.Len() != 0 {
		t.Errorf("wrote %q", buf.String())
	}
}

func TestBarRedrawsLine(t *testing.T) {
	var buf bytes.Buffer
	b := &ProgressBar{w: &buf, enabled: true, length: 4}

	b.Update("Verifying", 1, 2)
	b.Update("Verifying", 2, 2)
	b.Done()

	want := clearLine + "Verifying [##  ]  50%" + clearLine + "Verifying [####] 100%" + "\n"
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
