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

// Package emulator answers an ISO14443-A reader as a card. Profiles cover
// the MIFARE Classic, Ultralight and DESFire families, NTAG215 and a few
// ISO14443-4 cards. Anticollision answers are compiled before the first
// command arrives so they go out within the frame delay time.
package emulator

import (
	"context"
	"encoding/binary"
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// ctxCheckInterval is how many samples the receive loop consumes between
// context checks.
const ctxCheckInterval = 1000

// dynamicModulationSize holds the modulation of a full size frame.
const dynamicModulationSize = iso14a.MaxFrameSize*9 + 3

// Precompiled response slots.
const (
	slotATQA = iota
	slotUIDC1
	slotUIDC2
	slotUIDC3
	slotSAKC1
	slotSAKC2
	slotSAKC3
	slotATS
	slotVersion
	slotSignature
	slotPPS
	slotPACK
	numSlots
)

type tagState uint8

const (
	stateNone tagState = iota
	stateHalted
	stateAuth
	stateCompatWrite
)

type config struct {
	tracer         iso14a.Tracer
	onNonce        func(NoncePair)
	aid            *AIDConfig
	uid            []byte
	ats            []byte
	memory         []byte
	exitAfterReads int
	uidFromMemory  bool
	ulcCapture1    bool
	ulcCapture2    bool
}

// Option configures an Emulator.
type Option func(*config)

// WithUID sets the UID (4, 7 or 10 bytes). An empty or all-zero UID is
// read from emulator memory.
func WithUID(uid []byte) Option {
	return func(c *config) {
		c.uid = append([]byte(nil), uid...)
	}
}

// WithUIDFromMemory reads the UID from emulator memory even when WithUID
// gave one.
func WithUIDFromMemory() Option {
	return func(c *config) {
		c.uidFromMemory = true
	}
}

// WithATS replaces the profile's answer to RATS. ats starts with TL and
// excludes the CRC.
func WithATS(ats []byte) Option {
	return func(c *config) {
		c.ats = append([]byte(nil), ats...)
	}
}

// WithMemory loads emulator memory: 16-byte blocks for Classic style
// profiles, an Ultralight header plus pages (see NewULMemory) for the
// Ultralight family. The emulator works on a copy.
func WithMemory(mem []byte) Option {
	return func(c *config) {
		c.memory = append([]byte(nil), mem...)
	}
}

// WithExitAfterReads stops Run after n Ultralight READ commands have been
// answered. 0 runs until cancelled.
func WithExitAfterReads(n int) Option {
	return func(c *config) {
		c.exitAfterReads = n
	}
}

// WithNonceHandler turns on reader nonce harvesting. fn receives every
// completed pair.
func WithNonceHandler(fn func(NoncePair)) Option {
	return func(c *config) {
		c.onNonce = fn
	}
}

// WithULCCapture answers the first and/or second Ultralight C
// authentication step with zeros instead of the encrypted nonce, to
// capture what a reader sends next.
func WithULCCapture(part1, part2 bool) Option {
	return func(c *config) {
		c.ulcCapture1 = part1
		c.ulcCapture2 = part2
	}
}

// WithTracer logs every reader command and tag answer.
func WithTracer(t iso14a.Tracer) Option {
	return func(c *config) {
		c.tracer = t
	}
}

// Stats counts what happened during Run.
type Stats struct {
	Commands   int
	Reads      int
	NoncePairs int
}

// Emulator answers a reader as one card. It is not safe for concurrent
// use; Run owns the radio until it returns.
type Emulator struct {
	radio iso14a.Radio
	cfg   config
	ulc   *ulcCipher
	slots [numSlots]*Response

	uid      []byte
	memory   []byte
	cascades int
	cuid     uint32
	pages    int
	profile  Profile

	state        tagState
	oddReply     bool
	gotRATS      bool
	ulcRereadKey bool
	wrBlock      byte
	authSector   byte
	authKeyType  byte
	nonce        uint32
	getDataSent  int
	harvest      nonceHarvester
	nonces       []NoncePair
	stats        Stats

	uart    iso14a.MillerDecoder
	rx      [iso14a.MaxFrameSize]byte
	rxPar   [iso14a.MaxParitySize]byte
	dynData [iso14a.MaxFrameSize]byte
	dynMod  [dynamicModulationSize]byte
	small   [8]byte
}

// New prepares an emulator for profile. All answers of the anticollision
// phase are compiled here; an *EmulatorError says why that failed.
func New(radio iso14a.Radio, profile Profile, opts ...Option) (*Emulator, error) {
	e := &Emulator{radio: radio, profile: profile}
	for _, opt := range opts {
		opt(&e.cfg)
	}
	if e.cfg.tracer == nil {
		e.cfg.tracer = iso14a.NopTracer{}
	}

	info, ok := profiles[profile]
	if !ok {
		return nil, initError(InitUnknownProfile, "%d", uint8(profile))
	}
	if e.cfg.aid != nil && len(e.cfg.aid.AID) == 0 {
		return nil, initError(InitAIDConfig, "empty AID")
	}
	if err := e.loadMemory(info); err != nil {
		return nil, err
	}
	if err := e.loadUID(); err != nil {
		return nil, err
	}

	ats, err := e.buildATS(info)
	if err != nil {
		return nil, err
	}
	if err := e.compile(info, ats); err != nil {
		return nil, err
	}

	if profile == MifareUltralightC {
		if err := e.loadULCKey(); err != nil {
			return nil, initError(InitMemory, "%v", err)
		}
	}

	iso14a.Debugf("emulator: %s UID=%X ATQA=%X SAK=%X", profile, e.uid, e.slots[slotATQA].Data, e.sak())
	return e, nil
}

func (e *Emulator) loadMemory(info profileInfo) error {
	mem := e.cfg.memory
	if !e.profile.Ultralight() {
		if size := classicSize(e.profile); len(mem) < size {
			mem = append(mem, make([]byte, size-len(mem))...)
		}
		e.memory = mem
		return nil
	}

	if len(mem) < ULPrefixLen {
		mem = append(mem, make([]byte, ULPrefixLen-len(mem))...)
	}
	e.pages = max(int(mem[ulPagesOff]), info.minPages)
	if need := ULPrefixLen + 4*(e.pages+1); len(mem) < need {
		mem = append(mem, make([]byte, need-len(mem))...)
	}

	// dumps with an all-zero header get the defaults of a fresh tag
	for i := 0; i < 3; i++ {
		if flag := &mem[ulCountersOff+4*i+3]; *flag == 0 {
			*flag = defaultTearing
		}
	}
	if allZero(mem[ulVersionOff : ulVersionOff+8]) {
		copy(mem[ulVersionOff:], defaultVersion[:])
	}
	e.memory = mem
	return nil
}

func (e *Emulator) loadUID() error {
	uid := e.cfg.uid
	if len(uid) == 0 || allZero(uid) || e.cfg.uidFromMemory {
		if e.profile.Ultralight() {
			p := e.pageData()
			uid = []byte{p[0], p[1], p[2], p[4], p[5], p[6], p[7]}
		} else {
			uid = append([]byte(nil), e.memory[:4]...)
		}
	}

	switch len(uid) {
	case 4:
		e.cascades = 1
	case 7:
		e.cascades = 2
	case 10:
		e.cascades = 3
	default:
		return initError(InitBadUID, "%d bytes", len(uid))
	}
	e.uid = uid
	e.cuid = binary.BigEndian.Uint32(uid[len(uid)-4:])
	return nil
}

// buildATS returns the answer to RATS with its CRC.
func (e *Emulator) buildATS(info profileInfo) ([]byte, error) {
	ats := defaultATS
	if info.ats != nil {
		ats = info.ats
	}
	if e.cfg.ats != nil {
		if len(e.cfg.ats)+2 > maxATSLen {
			return nil, initError(InitATSOverflow, "max %d, got %d", maxATSLen-2, len(e.cfg.ats))
		}
		ats = e.cfg.ats
		if len(ats) > 0 && int(ats[0]) != len(ats) {
			iso14a.Debugf("emulator: ATS length %d differs from its TL %d", len(ats), ats[0])
		}
	}
	return frame.AppendCRCA(append([]byte(nil), ats...)), nil
}

func bcc(b []byte) byte {
	return b[0] ^ b[1] ^ b[2] ^ b[3]
}

func uidSegment(b ...byte) []byte {
	return append(b, bcc(b))
}

func sakFrame(sak byte) []byte {
	return frame.AppendCRCA([]byte{sak})
}

// compile builds every precompiled answer into an arena sized for
// exactly these answers.
func (e *Emulator) compile(info profileInfo, ats []byte) error {
	atqa := []byte{info.atqa[0] &^ 0x40, info.atqa[1]}
	uidc := [3][]byte{make([]byte, 5), make([]byte, 5), make([]byte, 5)}
	sakc := [3][]byte{sakFrame(0), sakFrame(0), sakFrame(0)}
	u := e.uid

	switch e.cascades {
	case 1:
		uidc[0] = uidSegment(u[0], u[1], u[2], u[3])
		sak := info.sak &^ 0x04
		if e.profile == EMV {
			sak = info.sak & 0xFC & 0x70
		}
		sakc[0] = sakFrame(sak)
	case 2:
		atqa[0] |= 0x40
		uidc[0] = uidSegment(frame.CascadeTag, u[0], u[1], u[2])
		uidc[1] = uidSegment(u[3], u[4], u[5], u[6])
		sakc[0] = sakFrame(0x04)
		sakc[1] = sakFrame(info.sak &^ 0x04)
	case 3:
		atqa[0] = atqa[0]&^0x40 | 0x80
		uidc[0] = uidSegment(frame.CascadeTag, u[0], u[1], u[2])
		uidc[1] = uidSegment(frame.CascadeTag, u[3], u[4], u[5])
		uidc[2] = uidSegment(u[6], u[7], u[8], u[9])
		sakc[0] = sakFrame(0x04)
		sakc[1] = sakFrame(0x04)
		sakc[2] = sakFrame(info.sak &^ 0x04)
	}

	version := make([]byte, 8)
	signature := make([]byte, 32)
	pack := make([]byte, 2)
	if e.profile.Ultralight() {
		copy(version, e.memory[ulVersionOff:ulVersionOff+8])
		copy(signature, e.memory[ulSignatureOff:ulSignatureOff+32])
	}
	if e.profile == MifareDESFire {
		version = append([]byte(nil), desfireVersion...)
	}
	if e.profile == NTAG215 {
		copy(pack, e.page(e.pages))
		if pwd := amiiboPassword(e.uid); [4]byte(e.page(e.pages-1)) == pwd {
			pack[0], pack[1] = 0x80, 0x80
		}
	}

	data := [numSlots][]byte{
		slotATQA:      atqa,
		slotUIDC1:     uidc[0],
		slotUIDC2:     uidc[1],
		slotUIDC3:     uidc[2],
		slotSAKC1:     sakc[0],
		slotSAKC2:     sakc[1],
		slotSAKC3:     sakc[2],
		slotATS:       ats,
		slotVersion:   frame.AppendCRCA(version),
		slotSignature: frame.AppendCRCA(signature),
		slotPPS:       frame.AppendCRCA([]byte{frame.CmdPPS}),
		slotPACK:      frame.AppendCRCA(pack),
	}

	total := 0
	for _, d := range data {
		total += modulationLen(len(d))
	}
	return e.compileSlots(NewArena(total), data)
}

func (e *Emulator) compileSlots(arena *Arena, data [numSlots][]byte) error {
	for i, d := range data {
		r, err := arena.Compile(d)
		if err != nil {
			return initError(InitArenaOverflow, "slot %d: %v", i, err)
		}
		e.slots[i] = r
	}
	return nil
}

func (e *Emulator) sak() byte {
	return e.slots[slotSAKC1+e.cascades-1].Data[0]
}

func (e *Emulator) loadULCKey() error {
	c, err := newULCCipher(ulcKey(e.pageData()))
	if err != nil {
		return err
	}
	e.ulc = c
	return nil
}

// pageData is Ultralight page memory after the header.
func (e *Emulator) pageData() []byte {
	return e.memory[ULPrefixLen:]
}

// page returns the 4 bytes of page n.
func (e *Emulator) page(n int) []byte {
	off := ULPrefixLen + 4*n
	return e.memory[off : off+4]
}

// UID returns the UID the emulator answers with.
func (e *Emulator) UID() []byte { return append([]byte(nil), e.uid...) }

// Memory returns a copy of emulator memory including writes made by the
// reader.
func (e *Emulator) Memory() []byte { return append([]byte(nil), e.memory...) }

// Nonces returns the nonce pairs harvested so far.
func (e *Emulator) Nonces() []NoncePair { return append([]NoncePair(nil), e.nonces...) }

// Stats returns the counters of the last Run.
func (e *Emulator) Stats() Stats { return e.stats }

// Run switches the radio to tag mode and answers commands until ctx is
// done, the radio fails, or the configured exit condition (read count,
// AID deselect) is met. The radio is switched off on return.
func (e *Emulator) Run(ctx context.Context) error {
	if err := e.radio.SetMode(iso14a.ModeTag); err != nil {
		return fmt.Errorf("tag mode: %w", err)
	}
	defer func() {
		if err := e.radio.SetMode(iso14a.ModeOff); err != nil {
			iso14a.Debugf("emulator: switching radio off: %v", err)
		}
	}()

	e.state = stateNone
	e.oddReply = true
	e.gotRATS = false
	e.getDataSent = 0
	e.stats = Stats{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.receive(ctx); err != nil {
			return err
		}
		e.stats.Commands++

		var done bool
		var err error
		if e.cfg.aid != nil {
			done, err = e.handleAID(ctx)
		} else {
			done, err = e.handle(ctx)
		}
		if err != nil {
			return err
		}
		if done {
			iso14a.Debugf("emulator: finished after %d commands", e.stats.Commands)
			return nil
		}
	}
}

// receive blocks until a reader frame decodes.
func (e *Emulator) receive(ctx context.Context) error {
	e.uart.Init(e.rx[:], e.rxPar[:])
	for n := 1; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		sample, ts, err := e.radio.Sample(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if e.uart.Decode(sample, ts) {
			return nil
		}
	}
}

// correctionNeeded reports whether the last reader bit was a 1, which
// makes the frame delay 64/fc longer.
func (e *Emulator) correctionNeeded() bool {
	if e.uart.BitCount() == 7 && e.uart.Len() == 1 {
		return e.rx[0]&0x40 != 0
	}
	return iso14a.ParityBit(e.uart.Parity(), e.uart.Len()-1) != 0
}

// transmit sends mod one frame delay after the reader frame and traces
// both frames.
func (e *Emulator) transmit(ctx context.Context, mod []byte, duration uint32, data, par []byte) error {
	correction := e.correctionNeeded()
	if !correction {
		mod = mod[1:]
	}
	at := (e.uart.EndTime() + iso14a.FrameDelayTimePICCToPCD) &^ 7
	start, err := e.radio.Transmit(ctx, mod, at)
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if correction {
		start += iso14a.TicksPerSample
	}
	e.trace(data, par, start, duration)
	return nil
}

func (e *Emulator) sendSlot(ctx context.Context, slot int) error {
	r := e.slots[slot]
	return e.transmit(ctx, r.Mod, r.Duration, r.Data, iso14a.GetParity(r.Data))
}

// send4 answers with a 4-bit ACK or NACK.
func (e *Emulator) send4(ctx context.Context, v byte) error {
	mod, duration := iso14a.EncodeTag4Bit(e.small[:0], v)
	return e.transmit(ctx, mod, duration, []byte{v}, nil)
}

// sendCRC appends a CRC to data and sends it.
func (e *Emulator) sendCRC(ctx context.Context, data []byte) error {
	return e.send(ctx, frame.AppendCRCA(data))
}

// send encodes data into the dynamic modulation buffer and sends it.
// An answer too large for the buffer is dropped.
func (e *Emulator) send(ctx context.Context, data []byte) error {
	r, err := compileInto(e.dynMod[:0], data)
	if err != nil {
		iso14a.Debugf("emulator: %v", err)
		e.traceReader()
		return nil
	}
	return e.transmit(ctx, r.Mod, r.Duration, r.Data, iso14a.GetParity(r.Data))
}

// scratch returns the empty dynamic response buffer.
func (e *Emulator) scratch() []byte {
	return e.dynData[:0]
}

// readerTimes returns the trace timestamps of the last reader frame.
func (e *Emulator) readerTimes() (start, end uint32) {
	start = e.uart.StartTime()*iso14a.TraceTicks - iso14a.DelayAir2ArmAsTag
	end = e.uart.EndTime()*iso14a.TraceTicks - iso14a.DelayAir2ArmAsTag
	return start, end
}

func (e *Emulator) traceReader() {
	start, end := e.readerTimes()
	e.cfg.tracer.LogFrame(iso14a.TraceFrame{
		Data:      e.uart.Data(),
		Parity:    e.uart.Parity(),
		Start:     start,
		End:       end,
		Direction: iso14a.TraceReader,
	})
}

// trace logs the reader frame and the answer. The end of a reader frame
// cannot be measured exactly, but the frame delay is n*128+20 or
// n*128+84 carrier cycles, so it is recomputed from the answer start.
func (e *Emulator) trace(data, par []byte, tagStart, duration uint32) {
	readerStart, readerEnd := e.readerTimes()
	tagStartTrace := tagStart*iso14a.TraceTicks + iso14a.DelayArm2AirAsTag
	tagEndTrace := (tagStart+duration)*iso14a.TraceTicks + iso14a.DelayArm2AirAsTag

	if tagStartTrace > readerEnd+20 {
		modLen := readerEnd - readerStart
		approx := tagStartTrace - readerEnd
		exact := (approx-20+32)/64*64 + 20
		readerEnd = tagStartTrace - exact
		readerStart = readerEnd - modLen
	}

	e.cfg.tracer.LogFrame(iso14a.TraceFrame{
		Data:      e.uart.Data(),
		Parity:    e.uart.Parity(),
		Start:     readerStart,
		End:       readerEnd,
		Direction: iso14a.TraceReader,
	})
	e.cfg.tracer.LogFrame(iso14a.TraceFrame{
		Data:      data,
		Parity:    par,
		Start:     tagStartTrace,
		End:       tagEndTrace,
		Direction: iso14a.TraceTag,
	})
}
