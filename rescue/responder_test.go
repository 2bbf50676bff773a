// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/flashrescue/flash-rescue/internal/flashsim"
	"github.com/flashrescue/flash-rescue/internal/loopback"
	"github.com/flashrescue/flash-rescue/rescue"
)

func newBoard(t *testing.T, opts ...rescue.Option) (*rescue.Responder, *loopback.Port) {
	t.Helper()

	hostPort, boardPort := loopback.Pair()
	t.Cleanup(func() { hostPort.Close() })

	flash := flashsim.NewMemory(rescue.RegionBIOS, image(2))
	board, err := rescue.NewResponder(boardPort, flash, nil, withFast(opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return board, hostPort
}

func send(t *testing.T, w io.Writer, p rescue.CommandPacket) {
	t.Helper()
	b := p.Pack()
	if _, err := w.Write(b[:]); err != nil {
		t.Fatal(err)
	}
}

func respond(t *testing.T, w io.Writer, p rescue.ResponsePacket) {
	t.Helper()
	b := p.Pack()
	if _, err := w.Write(b[:]); err != nil {
		t.Fatal(err)
	}
}

func receiveCommand(t *testing.T, r io.Reader) rescue.CommandPacket {
	t.Helper()
	var b [rescue.PacketLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		t.Fatal(err)
	}
	return rescue.ParseCommand(b)
}

func receiveResponse(t *testing.T, r io.Reader) rescue.ResponsePacket {
	t.Helper()
	var b [rescue.PacketLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		t.Fatal(err)
	}
	return rescue.ParseResponse(b)
}

func runAsync(f func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f() }()
	return done
}

func await(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	return nil
}

func TestHandshakeTimesOut(t *testing.T) {
	board, host := newBoard(t, rescue.WithHelloTimeout(50*time.Millisecond))

	start := time.Now()
	err := board.Handshake(context.Background())
	if !errors.Is(err, rescue.ErrHandshakeTimeout) {
		t.Fatalf("err = %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("gave up after %v", d)
	}

	// HELLO is repeated every interval
	for i := 0; i < 2; i++ {
		if got := receiveCommand(t, host); got.Command != rescue.CmdHello {
			t.Errorf("got %v, want HELLO", got)
		}
	}
}

func TestHandshakeIgnoresNack(t *testing.T) {
	board, host := newBoard(t)
	done := runAsync(func() error { return board.Run(context.Background()) })

	receiveCommand(t, host)
	respond(t, host, rescue.ResponsePacket{Acknowledge: rescue.AckNOK})

	// A NACK is not an answer, HELLO keeps coming
	if got := receiveCommand(t, host); got.Command != rescue.CmdHello {
		t.Fatalf("got %v, want HELLO", got)
	}
	respond(t, host, rescue.ResponsePacket{Acknowledge: rescue.AckOK})

	time.Sleep(30 * time.Millisecond)
	host.ResetInputBuffer()
	send(t, host, rescue.CommandPacket{Command: rescue.CmdExit})

	if err := await(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if board.State() != rescue.StateTerminatedOK {
		t.Errorf("state = %v", board.State())
	}
}

func TestWatchdogFires(t *testing.T) {
	board, _ := newBoard(t, rescue.WithIdleTimeout(50*time.Millisecond))

	start := time.Now()
	err := await(t, runAsync(func() error { return board.Serve(context.Background()) }))
	if !errors.Is(err, rescue.ErrIdleTimeout) {
		t.Fatalf("err = %v", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Errorf("fired after %v", d)
	}
	if board.State() != rescue.StateTerminatedTimeout {
		t.Errorf("state = %v", board.State())
	}
}

func TestIgnoredCommandsRefreshWatchdog(t *testing.T) {
	board, host := newBoard(t, rescue.WithIdleTimeout(150*time.Millisecond))
	done := runAsync(func() error { return board.Serve(context.Background()) })

	ignored := []rescue.CommandPacket{
		{Command: rescue.CmdRead, BlockNumber: 0},
		{Command: 0x42, BlockNumber: 7},
		{Command: rescue.CmdHello},
	}
	for i := 0; i < 8; i++ {
		send(t, host, ignored[i%len(ignored)])
		time.Sleep(40 * time.Millisecond)
	}

	select {
	case err := <-done:
		t.Fatalf("board stopped early: %v", err)
	default:
	}

	// None of them is answered
	if ok, _ := host.Buffered(); ok {
		t.Error("board responded to an ignored command")
	}

	send(t, host, rescue.CommandPacket{Command: rescue.CmdExit})
	if err := await(t, done); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestHostSilentMidWriteFiresWatchdog(t *testing.T) {
	board, host := newBoard(t, rescue.WithIdleTimeout(100*time.Millisecond))
	done := runAsync(func() error { return board.Serve(context.Background()) })

	send(t, host, rescue.CommandPacket{Command: rescue.CmdWrite, BlockNumber: 1})
	if rsp := receiveResponse(t, host); !rsp.Acked() {
		t.Fatalf("WRITE answered with %+v", rsp)
	}
	if _, err := host.Write(make([]byte, rescue.DefaultChunkSize)); err != nil {
		t.Fatal(err)
	}
	if rsp := receiveResponse(t, host); !rsp.Acked() {
		t.Fatalf("chunk answered with %+v", rsp)
	}

	// Nothing more arrives
	err := await(t, done)
	if !errors.Is(err, rescue.ErrIdleTimeout) {
		t.Fatalf("err = %v", err)
	}
	if board.State() != rescue.StateTerminatedTimeout {
		t.Errorf("state = %v", board.State())
	}
}

func TestPartialCommandFiresWatchdog(t *testing.T) {
	board, host := newBoard(t, rescue.WithIdleTimeout(100*time.Millisecond))
	done := runAsync(func() error { return board.Serve(context.Background()) })

	if _, err := host.Write([]byte{byte(rescue.CmdChecksum)}); err != nil {
		t.Fatal(err)
	}

	err := await(t, done)
	if !errors.Is(err, rescue.ErrIdleTimeout) {
		t.Fatalf("err = %v", err)
	}
	if board.State() != rescue.StateTerminatedTimeout {
		t.Errorf("state = %v", board.State())
	}
	if ok, _ := host.Buffered(); ok {
		t.Error("board answered a partial command")
	}
}

func TestHandshakeDropsPartialResponse(t *testing.T) {
	board, host := newBoard(t, rescue.WithHelloInterval(50*time.Millisecond))
	done := runAsync(func() error { return board.Handshake(context.Background()) })

	receiveCommand(t, host)
	if _, err := host.Write([]byte{byte(rescue.AckOK)}); err != nil {
		t.Fatal(err)
	}

	// The fragment is dropped and HELLO repeated
	if got := receiveCommand(t, host); got.Command != rescue.CmdHello {
		t.Fatalf("got %v, want HELLO", got)
	}
	respond(t, host, rescue.ResponsePacket{Acknowledge: rescue.AckOK})

	if err := await(t, done); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
}

func TestServeHonoursContext(t *testing.T) {
	board, _ := newBoard(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(func() error { return board.Serve(ctx) })
	cancel()

	if err := await(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestNewResponderRejects(t *testing.T) {
	_, port := loopback.Pair()
	flash := flashsim.NewMemory(rescue.RegionBIOS, nil)

	tests := []struct {
		name  string
		t     rescue.Transport
		flash rescue.FlashAccess
		opts  []rescue.Option
	}{
		{"nil transport", nil, flash, nil},
		{"nil flash", port, nil, nil},
		{"uneven chunks", port, flash, []rescue.Option{rescue.WithChunkSize(100)}},
		{"zero chunks", port, flash, []rescue.Option{rescue.WithChunkSize(0)}},
		{"no hello timeout", port, flash, []rescue.Option{rescue.WithHelloTimeout(0)}},
		{"no idle timeout", port, flash, []rescue.Option{rescue.WithIdleTimeout(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rescue.NewResponder(tt.t, tt.flash, nil, tt.opts...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
