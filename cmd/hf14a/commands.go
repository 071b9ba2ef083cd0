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

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/attack"
	"github.com/ZaparooProject/go-iso14a/emulator"
	"github.com/ZaparooProject/go-iso14a/polling"
)

type command struct {
	run        func(ctx context.Context, e *env, args []string) error
	name       string
	summary    string
	needsRadio bool
}

var commands = []command{
	{name: "select", summary: "select a card (-watch keeps polling)", run: runSelect, needsRadio: true},
	{name: "raw", summary: "send a raw frame: raw [-s] [-c] [-a] [-b bits] hex", run: runRaw, needsRadio: true},
	{name: "apdu", summary: "select with RATS and exchange APDUs: apdu hex...", run: runAPDU, needsRadio: true},
	{name: "sniff", summary: "capture reader and tag frames", run: runSniff, needsRadio: true},
	{name: "sim", summary: "emulate a tag: sim [-uid hex] [-mem file] profile", run: runSim, needsRadio: true},
	{name: "antifuzz", summary: "answer anticollision with an all-collision UID", run: runAntiFuzz, needsRadio: true},
	{name: "darkside", summary: "recover keystream bits through the NACK leak", run: runDarkside, needsRadio: true},
	{name: "nackbug", summary: "test a card for the encrypted NACK leak", run: runNACKBug, needsRadio: true},
	{name: "config", summary: "show the effective reader configuration", run: runConfig},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// newFlagSet returns a flag set whose parse errors are usage errors.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %w", errUsage, fs.Name(), err)
	}
	return nil
}

// parseHex accepts hex with optional spaces or colons between bytes.
func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

func runSelect(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("select")
	noRATS := fs.Bool("norats", false, "skip RATS")
	watch := fs.Bool("watch", false, "keep polling and report cards as they come and go")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	reader := e.newReader()
	if *watch {
		return watchCards(ctx, e, reader, *noRATS)
	}

	if err := reader.FieldOn(); err != nil {
		return err
	}
	defer func() { _ = reader.FieldOff() }()

	status, card, err := reader.Select(ctx, iso14a.SelectOptions{NoRATS: *noRATS})
	if err != nil {
		return err
	}
	if status == iso14a.SelectNoCard {
		e.printf("No card\n")
		return nil
	}
	e.printf("%s\n", card)
	if status == iso14a.SelectNoISO14443_4 {
		e.printf("Card does not support ISO14443-4\n")
	}
	return nil
}

func watchCards(ctx context.Context, e *env, reader *iso14a.Reader, noRATS bool) error {
	cfg := polling.DefaultConfig()
	cfg.Select.NoRATS = noRATS
	session := polling.NewSession(reader, cfg)
	defer func() { _ = session.Close() }()

	session.OnCardDetected = func(card *iso14a.CardInfo) error {
		e.printf("Card detected: %s\n", card)
		return nil
	}
	session.OnCardChanged = func(card *iso14a.CardInfo) error {
		e.printf("Card changed: %s\n", card)
		return nil
	}
	session.OnCardRemoved = func() {
		e.printf("Card removed\n")
	}

	e.printf("Watching for cards. Press Ctrl+C to stop...\n")
	return session.Start(ctx)
}

func runRaw(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("raw")
	doSelect := fs.Bool("s", false, "power up and select the card first")
	noRATS := fs.Bool("norats", false, "select without RATS")
	appendCRC := fs.Bool("c", false, "append CRC_A")
	apdu := fs.Bool("a", false, "send as an ISO14443-4 APDU")
	bits := fs.Int("b", 0, "send only this many bits")
	timeoutMs := fs.Uint("t", 0, "receive timeout in ms")
	keep := fs.Bool("k", false, "keep the field on afterwards")
	topaz := fs.Bool("topaz", false, "use Topaz framing")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var data []byte
	if fs.NArg() > 0 {
		var err error
		if data, err = parseHex(strings.Join(fs.Args(), "")); err != nil {
			return err
		}
	}
	if len(data) == 0 && !*doSelect {
		return fmt.Errorf("%w: raw needs data or -s", errUsage)
	}

	trace := iso14a.NewTraceBuffer("raw", 32)
	reader := iso14a.NewReader(e.radio, iso14a.WithConfigStore(e.store), iso14a.WithTracer(teeTracer{e.tracer, trace}))
	req := iso14a.RawRequest{
		Data:      data,
		Bits:      *bits,
		Timeout:   uint32(*timeoutMs) * iso14a.TicksPerMs / iso14a.TicksPerSample,
		Connect:   true,
		NoSelect:  !*doSelect,
		NoRATS:    *noRATS,
		APDU:      *apdu,
		AppendCRC: *appendCRC,
		Topaz:     *topaz,
		KeepField: *keep,
	}
	res, err := reader.Exchange(ctx, req)
	if err != nil {
		return trace.WrapError(err)
	}

	if res.Card != nil {
		e.printf("%s\n", res.Card)
	}
	if len(data) > 0 {
		if len(res.Response) == 0 {
			e.printf("No answer\n")
		} else {
			e.printf("<< % X\n", res.Response)
		}
	}
	if iso14a.DebugEnabled() {
		e.printf("%s", iso14a.FormatTrace("raw", trace.Frames()))
	}
	return nil
}

func runAPDU(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: apdu needs at least one APDU", errUsage)
	}
	apdus := make([][]byte, 0, len(args))
	for _, a := range args {
		b, err := parseHex(a)
		if err != nil {
			return err
		}
		apdus = append(apdus, b)
	}

	reader := e.newReader()
	if err := reader.FieldOn(); err != nil {
		return err
	}
	defer func() { _ = reader.FieldOff() }()

	status, card, err := reader.Select(ctx, iso14a.SelectOptions{})
	if err != nil {
		return err
	}
	switch status {
	case iso14a.SelectNoCard:
		return errors.New("no card")
	case iso14a.SelectOK:
	default:
		return errors.New("card does not support ISO14443-4")
	}
	e.printf("%s\n", card)

	for _, apdu := range apdus {
		e.printf(">> % X\n", apdu)
		resp, err := reader.ExchangeAPDUChained(ctx, apdu)
		if err != nil {
			return err
		}
		e.printf("<< % X\n", resp)
	}
	return nil
}

func runSniff(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("sniff")
	trigger := fs.Uint("trigger", 0, "1: start at the first tag answer, 2: at the first REQA/WUPA")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e.printf("Sniffing. Press Ctrl+C to stop...\n")
	sniffer := iso14a.NewSniffer(e.radio, teeTracer{e.tracer, printTracer{e.out}})
	stats, err := sniffer.Run(ctx, iso14a.SniffTrigger(*trigger))
	e.printf("%d samples, %d reader frames, %d tag frames\n", stats.Samples, stats.ReaderFrames, stats.TagFrames)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSim(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("sim")
	uidHex := fs.String("uid", "", "UID, 4, 7 or 10 bytes; empty reads it from memory")
	atsHex := fs.String("ats", "", "answer to RATS without CRC")
	memFile := fs.String("mem", "", "file with emulator memory")
	exitAfter := fs.Int("exit", 0, "stop after this many Ultralight reads")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: sim needs a profile name or number", errUsage)
	}
	profile, err := emulator.ParseProfile(fs.Arg(0))
	if err != nil {
		return err
	}

	opts := []emulator.Option{
		emulator.WithTracer(e.tracer),
		emulator.WithExitAfterReads(*exitAfter),
		emulator.WithNonceHandler(func(p emulator.NoncePair) {
			e.printf("Nonces: %s\n", p)
		}),
	}
	if *uidHex != "" {
		uid, err := parseHex(*uidHex)
		if err != nil {
			return err
		}
		opts = append(opts, emulator.WithUID(uid))
	}
	if *atsHex != "" {
		ats, err := parseHex(*atsHex)
		if err != nil {
			return err
		}
		opts = append(opts, emulator.WithATS(ats))
	}
	if *memFile != "" {
		mem, err := os.ReadFile(*memFile)
		if err != nil {
			return fmt.Errorf("failed to read memory file: %w", err)
		}
		opts = append(opts, emulator.WithMemory(mem))
	}

	emu, err := emulator.New(e.radio, profile, opts...)
	if err != nil {
		return err
	}
	e.printf("Emulating %s UID=%X. Press Ctrl+C to stop...\n", profile, emu.UID())
	err = emu.Run(ctx)
	st := emu.Stats()
	e.printf("%d commands, %d reads, %d nonce pairs\n", st.Commands, st.Reads, st.NoncePairs)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runAntiFuzz(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("antifuzz")
	uid7 := fs.Bool("7", false, "announce a 7-byte UID")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	e.printf("Answering with colliding UIDs. Press Ctrl+C to stop...\n")
	err := emulator.RunAntiFuzz(ctx, e.radio, emulator.AntiFuzzOptions{Tracer: e.tracer, UID7: *uid7})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runDarkside(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("darkside")
	block := fs.Uint("block", 0, "block to authenticate against")
	keyB := fs.Bool("b", false, "use key B")
	maxIter := fs.Int("max", 0, "give up after this many authentications per run")
	runs := fs.Int("runs", 1, "runs with successive reader nonces")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *block > 0xFF {
		return fmt.Errorf("%w: block %d out of range", errUsage, *block)
	}

	opts := attack.Options{Block: byte(*block)}
	if *keyB {
		opts.KeyType = 1
	}
	a := attack.New(e.newReader(), attack.WithMaxIterations(*maxIter))
	for i := range *runs {
		opts.FirstTry = i == 0
		var res *attack.Result
		err := withProgress(ctx, e, fmt.Sprintf("darkside run %d", i+1), func(ctx context.Context) error {
			var err error
			res, err = a.Darkside(ctx, opts)
			return err
		})
		if err != nil {
			return err
		}
		e.printf("%s\n", res)
		if res.Status != attack.StatusOK {
			return nil
		}
	}
	return nil
}

func runNACKBug(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("nackbug")
	maxIter := fs.Int("max", 0, "give up after this many authentications")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a := attack.New(e.newReader(), attack.WithMaxIterations(*maxIter))
	var res *attack.DetectResult
	err := withProgress(ctx, e, "NACK bug detection", func(ctx context.Context) error {
		var err error
		res, err = a.DetectNACKBug(ctx)
		return err
	})
	if err != nil {
		return err
	}
	e.printf("%s (%d NACKs in %d authentications)\n", res.Status, res.NACKs, res.Auths)
	return nil
}

func runConfig(_ context.Context, e *env, _ []string) error {
	e.printf("%s\n", e.store.Get())
	return nil
}

// teeTracer hands every frame to both tracers and stops when either does.
type teeTracer struct {
	a, b iso14a.Tracer
}

func (t teeTracer) LogFrame(f iso14a.TraceFrame) bool {
	okA := t.a.LogFrame(f)
	okB := t.b.LogFrame(f)
	return okA && okB
}

// printTracer writes one line per frame.
type printTracer struct {
	w io.Writer
}

func (p printTracer) LogFrame(f iso14a.TraceFrame) bool {
	_, err := fmt.Fprintln(p.w, f.String())
	return err == nil
}
