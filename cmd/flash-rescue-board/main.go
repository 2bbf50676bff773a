// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/flashrescue/flash-rescue/internal/flashsim"
	"github.com/flashrescue/flash-rescue/internal/util"
	"github.com/flashrescue/flash-rescue/rescue"
	"github.com/flashrescue/flash-rescue/serialport"
)

// Use when printing err/diag msgs
var le = log.New(os.Stderr, "", 0)

const progname = "flash-rescue-board"

func main() {
	var devPath, flashPath string
	var speed, chunkSize int
	var helloTimeout, idleTimeout, chunkDelay time.Duration
	var verbose, dump, helpOnly bool
	pflag.CommandLine.SetOutput(os.Stderr)
	pflag.CommandLine.SortFlags = false
	pflag.StringVar(&devPath, "port", "",
		"Set serial port device `PATH`. If this is not passed, auto-detection will be attempted.")
	pflag.IntVar(&speed, "speed", serialport.DefaultSpeed,
		"Set serial port speed in `BPS` (bits per second).")
	pflag.StringVar(&flashPath, "flash", "",
		"Use `FILE` as the BIOS region of the flash. It is modified in place.")
	pflag.DurationVar(&helloTimeout, "hello-timeout", 15*time.Second,
		"Stop announcing the board after `DURATION` without an answer.")
	pflag.DurationVar(&idleTimeout, "idle-timeout", 10*time.Second,
		"Stop serving after `DURATION` without a command.")
	pflag.IntVar(&chunkSize, "chunk-size", rescue.DefaultChunkSize,
		"Expect blocks in chunks of `BYTES`.")
	pflag.DurationVar(&chunkDelay, "chunk-delay", 0,
		"Pause for `DURATION` before reading each chunk, like a slow board would.")
	pflag.BoolVar(&verbose, "verbose", false, "Enable verbose output.")
	pflag.BoolVar(&dump, "dump", false, "Hexdump everything sent and received. Implies --verbose.")
	pflag.BoolVar(&helpOnly, "help", false, "Output this help.")
	pflag.Usage = func() {
		desc := fmt.Sprintf(`Usage: %[1]s --flash FILE [flags...]

%[1]s plays the board's side of the flash rescue protocol on a serial
port, keeping the flash in FILE. Connect it to flash-rescue with a
null-modem cable or a pty pair to try the host tool without hardware.

Exit status code is 0 if the host ended the session, 1 if the session
timed out or failed and 2 on bad usage.`, progname)
		le.Printf("%s\n\n%s", desc,
			pflag.CommandLine.FlagUsagesWrapped(86))
	}
	pflag.Parse()

	if pflag.NArg() > 0 {
		le.Printf("Unexpected argument: %s\n\n", strings.Join(pflag.Args(), " "))
		pflag.Usage()
		os.Exit(2)
	}

	if helpOnly {
		pflag.Usage()
		os.Exit(0)
	}

	if flashPath == "" {
		le.Printf("Please pass a flash --flash FILE.\n\n")
		pflag.Usage()
		os.Exit(2)
	}

	if dump {
		verbose = true
	}
	if !verbose {
		rescue.SilenceLogging()
	}

	flash, err := flashsim.OpenFile(rescue.RegionBIOS, flashPath)
	if err != nil {
		le.Printf("%v\n", err)
		os.Exit(1)
	}

	if devPath == "" {
		devPath, err = util.DetectSerialPort()
		if err != nil || devPath == "" {
			os.Exit(1)
		}
	}

	port, err := serialport.Open(devPath, serialport.WithSpeed(speed))
	if err != nil {
		le.Printf("Could not open %s: %v\n", devPath, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exit := func(code int) {
		cancel()
		if err := port.Close(); err != nil {
			le.Printf("Close: %v\n", err)
		}
		if err := flash.Close(); err != nil {
			le.Printf("%v\n", err)
		}
		os.Exit(code)
	}
	handleSignals(func() { exit(1) }, os.Interrupt, syscall.SIGTERM)

	opts := []rescue.Option{
		rescue.WithHelloTimeout(helloTimeout),
		rescue.WithIdleTimeout(idleTimeout),
		rescue.WithChunkSize(chunkSize),
		rescue.WithChunkDelay(chunkDelay),
	}
	if dump {
		opts = append(opts, rescue.WithPacketDump())
	}

	r, err := rescue.NewResponder(port, flash, rescue.NopResetter{}, opts...)
	if err != nil {
		le.Printf("%v\n", err)
		exit(2)
	}

	le.Printf("Announcing board on %s ...\n", devPath)
	err = r.Run(ctx)
	switch {
	case errors.Is(err, rescue.ErrHandshakeTimeout):
		le.Printf("Nobody answered HELLO, continuing boot\n")
		exit(1)
	case errors.Is(err, rescue.ErrIdleTimeout):
		le.Printf("Host went quiet, flash could be inconsistent!\n")
		exit(1)
	case err != nil:
		le.Printf("%v\n", err)
		exit(1)
	}

	le.Printf("Session ended (%v)\n", r.State())
	exit(0)
}

func handleSignals(action func(), sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	go func() {
		for {
			<-ch
			action()
		}
	}()
}
