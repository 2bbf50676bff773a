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
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tillitis/tkeyutil"

	"github.com/flashrescue/flash-rescue/buspirate"
	"github.com/flashrescue/flash-rescue/internal/util"
	"github.com/flashrescue/flash-rescue/rescue"
	"github.com/flashrescue/flash-rescue/serialport"
)

// Use when printing err/diag msgs
var le = log.New(os.Stderr, "", 0)

const progname = "flash-rescue"

var version string

func main() {
	if version == "" {
		version = readBuildInfo()
	}

	var fileName, devPath string
	var mode, speed, chunkSize, retries int
	var ackTimeout time.Duration
	var highSpeed, noReset, listPortsOnly, notifyDone, verbose, dump, versionOnly, helpOnly bool
	pflag.CommandLine.SetOutput(os.Stderr)
	pflag.CommandLine.SortFlags = false
	pflag.StringVarP(&fileName, "file", "f", "",
		"Flash the BIOS image in `FILE`. Its size must be a multiple of 4096 bytes.")
	pflag.StringVarP(&devPath, "port", "d", "",
		"Set serial port device `PATH`. If this is not passed, auto-detection will be attempted.")
	pflag.IntVarP(&mode, "mode", "m", 0,
		"Bring up the link as `MODE`: 1 for a Bus Pirate bridging the board's debug port, 254 for a UART wired straight to the board.")
	pflag.BoolVarP(&highSpeed, "high-speed", "s", false,
		"Switch the Bus Pirate to 1 Mbps while flashing.")
	pflag.IntVar(&speed, "speed", serialport.DefaultSpeed,
		"Set serial port speed in `BPS` (bits per second).")
	pflag.IntVar(&chunkSize, "chunk-size", rescue.DefaultChunkSize,
		"Send each block in chunks of `BYTES`. Must divide 4096 and match what the board expects.")
	pflag.BoolVar(&noReset, "no-reset", false,
		"Finish with EXIT so the board carries on booting instead of restarting.")
	pflag.IntVar(&retries, "retries", 3,
		"Re-send a NACK'd command up to `N` times before giving up.")
	pflag.DurationVar(&ackTimeout, "ack-timeout", 30*time.Second,
		"Give up when the board has not answered within `DURATION`.")
	pflag.BoolVarP(&listPortsOnly, "list-ports", "L", false,
		"List possible serial ports to use with --port.")
	pflag.BoolVar(&notifyDone, "notify", false,
		"Show a desktop notification when flashing ends.")
	pflag.BoolVar(&verbose, "verbose", false, "Enable verbose output.")
	pflag.BoolVar(&dump, "dump", false, "Hexdump everything sent and received. Implies --verbose.")
	pflag.BoolVar(&versionOnly, "version", false, "Output version information.")
	pflag.BoolVar(&helpOnly, "help", false, "Output this help.")
	pflag.Usage = func() {
		desc := fmt.Sprintf(`Usage: %[1]s -f FILE -m MODE [flags...]

%[1]s writes a BIOS image to the SPI flash of a board whose firmware
is waiting in its early rescue loop. Only blocks whose CRC-32 differs
from the board's copy are sent. Everything is verified afterwards.

Implementation modes:
  1: Bus Pirate
  254: (No initialisation or quirks required)
  255: (Reserved - MAX)

Exit status code is 0 if the flash matches the image when done, 1 on any
failure and 2 on bad usage.`, progname)
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

	if versionOnly {
		fmt.Printf("%s %s\nProtocol version %s\n", progname, version, rescue.ProtocolVersion)
		os.Exit(0)
	}

	if listPortsOnly {
		n, err := printPorts()
		if err != nil {
			le.Printf("%v\n", err)
			os.Exit(1)
		} else if n == 0 {
			os.Exit(1)
		}
		// Successful only if we found some port
		os.Exit(0)
	}

	if fileName == "" || mode == 0 {
		le.Printf("Please pass both a BIOS image -f FILE and -m MODE.\n\n")
		pflag.Usage()
		os.Exit(2)
	}

	linkMode, err := buspirate.ParseMode(mode)
	if err != nil {
		le.Printf("%v\n\n", err)
		pflag.Usage()
		os.Exit(2)
	}

	if !rescue.ValidChunkSize(chunkSize) {
		le.Printf("Chunk size %d does not divide %d.\n\n", chunkSize, rescue.BlockSize)
		pflag.Usage()
		os.Exit(2)
	}

	if dump {
		verbose = true
	}
	if !verbose {
		rescue.SilenceLogging()
		buspirate.SilenceLogging()
	}

	notify := func(msg string) {
		if notifyDone {
			tkeyutil.Notify(progname, msg)
		}
	}

	img, err := os.Open(fileName)
	if err != nil {
		le.Printf("Failed to open image: %v\n", err)
		os.Exit(1)
	}

	// Refuse a bad image before touching the board
	fi, err := img.Stat()
	if err != nil {
		le.Printf("Failed to stat image: %v\n", err)
		os.Exit(1)
	}
	blocks, err := rescue.ImageBlocks(fi.Size())
	if err != nil {
		le.Printf("%s: %v\n", fileName, err)
		os.Exit(1)
	}

	digest, err := rescue.ImageDigest(img)
	if err != nil {
		le.Printf("Failed to read image: %v\n", err)
		os.Exit(1)
	}
	le.Printf("Early BIOS flash rescue v%s\n", rescue.ProtocolVersion)
	le.Printf("BIOS image is %.2f MiB (%d blocks), BLAKE2s:\n%s\n",
		float64(fi.Size())/(1024*1024), blocks, rescue.FormatDigest(digest))

	if devPath == "" {
		devPath, err = util.DetectSerialPort()
		if err != nil || devPath == "" {
			os.Exit(1)
		}
	}

	le.Printf("Opening serial port %s (%s) ...\n", devPath, linkMode)
	port, err := serialport.Open(devPath, serialport.WithSpeed(speed))
	if err != nil {
		le.Printf("Could not open %s: %v\n", devPath, err)
		os.Exit(1)
	}

	bridgeOpts := []func(*buspirate.Bridge){}
	if highSpeed {
		bridgeOpts = append(bridgeOpts, buspirate.WithHighSpeed())
	}
	bridge, err := buspirate.New(port, linkMode, bridgeOpts...)
	if err != nil {
		le.Printf("%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exit := func(code int) {
		cancel()
		if err := bridge.Exit(); err != nil {
			le.Printf("Bus Pirate exit: %v\n", err)
		}
		if err := port.Close(); err != nil {
			le.Printf("Close: %v\n", err)
		}
		img.Close()
		os.Exit(code)
	}
	// Might wait forever for HELLO. Leave the Bus Pirate usable if the
	// user gives up.
	handleSignals(func() { exit(1) }, os.Interrupt, syscall.SIGTERM)

	if err := bridge.Enter(); err != nil {
		le.Printf("Failed to bring up the link: %v\n", err)
		exit(1)
	}
	if limit := bridge.ChunkSize(); limit != 0 && chunkSize > limit {
		le.Printf("Chunk size %d is more than %s can relay, using %d\n", chunkSize, linkMode, limit)
		chunkSize = limit
	}

	bar := util.NewProgressBar(os.Stdout)
	var phase rescue.Phase
	opts := []rescue.Option{
		rescue.WithChunkSize(chunkSize),
		rescue.WithRetries(retries),
		rescue.WithAckTimeout(ackTimeout),
		rescue.WithProgress(func(p rescue.Progress) {
			if p.Phase != phase {
				bar.Done()
				phase = p.Phase
			}
			bar.Update(progressLabel(p.Phase), p.Block, p.Blocks)
		}),
	}
	if noReset {
		opts = append(opts, rescue.WithoutReset())
	}
	if dump {
		opts = append(opts, rescue.WithPacketDump())
	}

	o, err := rescue.NewOrchestrator(port, opts...)
	if err != nil {
		le.Printf("%v\n", err)
		exit(1)
	}

	le.Printf("Awaiting HELLO from the board. Power it on now...\n")
	rep, err := o.Run(ctx, img)
	bar.Done()
	if err != nil {
		var verr *rescue.VerificationError
		if errors.As(err, &verr) {
			le.Printf("Verification failed for %d block(s):\n", len(verr.Blocks))
			for _, n := range verr.Blocks {
				le.Printf("  block %d (0x%x)\n", n, uint32(n)*rescue.BlockSize)
			}
		} else {
			le.Printf("%v\n", err)
		}
		le.Printf("Flash operations failed!\n")
		notify("Flash operations failed!")
		exit(1)
	}

	if rep.Modified() {
		le.Printf("Wrote %d of %d blocks in %s\n", len(rep.Written), rep.Blocks,
			rep.Elapsed.Round(time.Second))
	} else {
		le.Printf("Flash already matched the image, nothing written\n")
	}
	if rep.Final == rescue.CmdReset {
		le.Printf("Board is restarting\n")
	}
	le.Printf("Flash operations completed successfully.\n")
	notify("Flash operations completed successfully.")

	exit(0)
}

func progressLabel(p rescue.Phase) string {
	switch p {
	case rescue.PhaseWriting:
		return "Writing  "
	case rescue.PhaseVerifying:
		return "Verifying"
	}
	return string(p)
}

func readBuildInfo() string {
	version := "devel without BuildInfo"
	if info, ok := debug.ReadBuildInfo(); ok {
		sb := strings.Builder{}
		sb.WriteString("devel")
		for _, setting := range info.Settings {
			if strings.HasPrefix(setting.Key, "vcs") {
				sb.WriteString(fmt.Sprintf(" %s=%s", setting.Key, setting.Value))
			}
		}
		version = sb.String()
	}
	return version
}

func printPorts() (int, error) {
	ports, err := util.GetSerialPorts()
	if err != nil {
		return 0, fmt.Errorf("Failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		le.Printf("No USB serial ports found.\n")
	} else {
		le.Printf("USB serial ports:\n")
		for _, p := range ports {
			fmt.Printf("%s\n", p)
		}
	}
	return len(ports), nil
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
