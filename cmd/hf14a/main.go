// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command hf14a drives an ISO14443-A radio: select and exchange as a
// reader, sniff, emulate a tag, and run the MIFARE Classic nonce attacks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/detection"
	_ "github.com/ZaparooProject/go-iso14a/detection/uart"
	"github.com/ZaparooProject/go-iso14a/trace/pcap"
	"github.com/ZaparooProject/go-iso14a/transport/spi"
	"github.com/ZaparooProject/go-iso14a/transport/uart"
)

var errUsage = errors.New("usage")

type config struct {
	device     string
	radio      string
	configFile string
	pcapFile   string
	// newRadio opens the radio named by device and radio.
	newRadio   func(cfg *config) (iso14a.Radio, error)
	debug      bool
	sessionLog bool
}

// Package-level flag variables
var (
	flagDevice     string
	flagRadio      string
	flagConfigFile string
	flagPcapFile   string
	flagDebug      bool
	flagSessionLog bool
)

func init() {
	flag.StringVar(&flagDevice, "device", "", "Serial port (uart, auto-detected if empty) or SPI port name (spi)")
	flag.StringVar(&flagRadio, "radio", "uart", "Radio type: uart or spi")
	flag.StringVar(&flagConfigFile, "config", "", "YAML file with anticollision and polling overrides")
	flag.StringVar(&flagPcapFile, "pcap", "", "Write captured frames to a pcap file")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagSessionLog, "log", false, "Write a session log to the working directory")
	flag.Usage = usage
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: hf14a [flags] <command> [args]\n\nCommands:\n")
	for _, c := range commands {
		_, _ = fmt.Fprintf(out, "  %-9s %s\n", c.name, c.summary)
	}
	_, _ = fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func parseConfig() *config {
	cfg := &config{
		device:     flagDevice,
		radio:      strings.ToLower(flagRadio),
		configFile: flagConfigFile,
		pcapFile:   flagPcapFile,
		debug:      flagDebug,
		sessionLog: flagSessionLog,
		newRadio:   openRadio,
	}

	if cfg.debug {
		iso14a.SetDebugEnabled(true)
	}

	return cfg
}

func openRadio(cfg *config) (iso14a.Radio, error) {
	if cfg.device == "" {
		if cfg.radio != "uart" {
			return nil, errors.New("no device given, use -device")
		}
		device, err := detectBridge()
		if err != nil {
			return nil, err
		}
		cfg.device = device
	}
	switch cfg.radio {
	case "uart":
		// A freshly enumerated bridge may still be booting and miss the
		// first mode change.
		var r *uart.Radio
		err := iso14a.Retry(context.Background(), iso14a.DefaultRetryPolicy(), func(context.Context) error {
			var openErr error
			r, openErr = uart.New(cfg.device)
			return openErr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open UART radio: %w", err)
		}
		return r, nil
	case "spi":
		r, err := spi.New(cfg.device)
		if err != nil {
			return nil, fmt.Errorf("failed to open SPI radio: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported radio type: %s", cfg.radio)
	}
}

// detectBridge returns the path of the most likely serial bridge.
func detectBridge() (string, error) {
	opts := detection.DefaultOptions()
	opts.Transports = []string{"uart"}
	devices, err := detection.DetectAll(context.Background(), &opts)
	if err != nil {
		return "", fmt.Errorf("bridge auto-detection failed: %w", err)
	}
	iso14a.Debugf("auto-detected %s", devices[0])
	return devices[0].Path, nil
}

// env is what a command gets to work with.
type env struct {
	radio  iso14a.Radio
	store  *iso14a.ConfigStore
	tracer iso14a.Tracer
	out    io.Writer
	// interactive is true when out is a terminal
	interactive bool
}

func (e *env) newReader() *iso14a.Reader {
	return iso14a.NewReader(e.radio, iso14a.WithConfigStore(e.store), iso14a.WithTracer(e.tracer))
}

func (e *env) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, format, args...)
}

func run(ctx context.Context, cfg *config, args []string, out io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	if cfg.sessionLog {
		name, logErr := iso14a.InitSessionLog()
		if logErr != nil {
			return logErr
		}
		_, _ = fmt.Fprintf(os.Stderr, "Session log: %s\n", name)
		defer func() { _ = iso14a.CloseSessionLog() }()
	}

	e := &env{
		store:       iso14a.NewConfigStore(),
		tracer:      iso14a.NopTracer{},
		out:         out,
		interactive: isTerminal(out),
	}
	if cfg.configFile != "" {
		if err := iso14a.LoadConfigFile(e.store, cfg.configFile); err != nil {
			return err
		}
	}

	if cfg.pcapFile != "" {
		f, createErr := os.Create(cfg.pcapFile)
		if createErr != nil {
			return fmt.Errorf("failed to create pcap file: %w", createErr)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("failed to close pcap file: %w", closeErr)
			}
		}()
		w, pcapErr := pcap.NewWriter(f, time.Now())
		if pcapErr != nil {
			return pcapErr
		}
		defer func() {
			if wErr := w.Err(); wErr != nil && err == nil {
				err = fmt.Errorf("pcap capture: %w", wErr)
			}
		}()
		e.tracer = w
	}

	if cmd.needsRadio {
		radio, openErr := cfg.newRadio(cfg)
		if openErr != nil {
			return openErr
		}
		defer func() {
			if closeErr := radio.Close(); closeErr != nil {
				_, _ = fmt.Fprintf(os.Stderr, "Failed to close radio: %v\n", closeErr)
			}
		}()
		e.radio = radio
	}

	return cmd.run(ctx, e, args[1:])
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_, _ = fmt.Fprint(os.Stderr, "\nShutting down gracefully...\n")
		cancel()
	}()

	if err := run(ctx, cfg, flag.Args(), os.Stdout); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// User requested shutdown, exit cleanly
			return 0
		case errors.Is(err, errUsage):
			if msg := strings.TrimPrefix(err.Error(), errUsage.Error()); msg != "" {
				_, _ = fmt.Fprintf(os.Stderr, "Error%s\n", msg)
			}
			flag.Usage()
			return 2
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if te := iso14a.GetTrace(err); te != nil {
			_, _ = fmt.Fprint(os.Stderr, te.FormatTrace())
		}
		return 1
	}
	return 0
}
