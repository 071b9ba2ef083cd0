// go-iso14a
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-iso14a.
//
// go-iso14a is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-iso14a is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-iso14a; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package testing

import (
	"bytes"
	"math/rand/v2"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/crypto1"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// ReaderFrame is a reader frame as a card in the Field sees it.
type ReaderFrame struct {
	Data   []byte
	Parity []byte
	Bits   int
	// Start is the tick of the start of communication.
	Start uint32
}

// Card answers reader frames in a Field. HandleFrame returns the tag
// modulation to send, or nil to stay silent.
type Card interface {
	HandleFrame(f ReaderFrame) []byte
}

// PowerCycler is implemented by cards that lose state when the field
// drops.
type PowerCycler interface {
	PowerOff()
}

// NACKMode controls how a VirtualCard answers the encrypted {nr, ar} of
// an authentication it cannot verify.
type NACKMode int

const (
	// NACKLeakParity answers a 4-bit NACK only when the reader's parity
	// byte matches the card's expected one, like cards with the parity
	// leak.
	NACKLeakParity NACKMode = iota
	// NACKAlways answers every {nr, ar} with a NACK.
	NACKAlways
	// NACKNever never answers.
	NACKNever
)

type cardState int

const (
	stateIdle cardState = iota
	stateReady
	stateActive
	stateProtocol // ISO14443-4 after RATS
	stateAuth
	stateHalt
)

// VirtualCard is a bit-level ISO14443-A card: anticollision with
// collisions resolved by the field, HALT and WUPA, RATS and ISO14443-4
// blocks, and a MIFARE Classic style nonce generator clocked by the field.
//
// Its 16-bit PRNG advances one step per tick and wraps every PRNGTicks
// ticks, so a reader that authenticates exactly 2^16 ticks apart sees the
// same nonce.
type VirtualCard struct {
	// APDU answers ISO14443-4 I-blocks. nil echoes the APDU with 90 00.
	APDU func(apdu []byte) []byte
	// Blocks holds 16-byte blocks answered to READ.
	Blocks map[byte][]byte

	UID []byte
	ATS []byte // without CRC; nil means RATS is not answered
	// BadBCC corrupts the check byte of cascade level 1.
	BadBCC bool
	// Fudan makes the card answer READ before select, like FM11RF005.
	Fudan bool
	// WTX is the number of S(WTX) requests sent before each I-block answer.
	WTX int
	// ChainSize splits I-block answers longer than this into chained
	// blocks. 0 never chains.
	ChainSize int

	NACK NACKMode
	// NACKLag is how many ticks the PRNG slips each time the card sends a
	// NACK.
	NACKLag uint32

	// PRNGTicks is how many ticks the field clocks the PRNG through one
	// nonce cycle. It must be a multiple of 8 for a reader that starts
	// frames on sample boundaries to see repeats.
	PRNGTicks uint32
	// PRNGStep, when not zero, ignores the field clock and moves the PRNG
	// this many steps per authentication. Negative steps go backwards.
	PRNGStep int32
	// RandomNonces answers every authentication with a value off the PRNG
	// cycle.
	RandomNonces bool

	ATQA [2]byte
	SAK  byte

	// Authentications counts nonces handed out; NACKs counts NACKs sent.
	Authentications int
	NACKs           int

	nt0   uint32
	rng   *rand.Rand
	nt    uint32
	lag   uint32
	state cardState
	level int

	pendingAPDU []byte
	pendingBN   byte
	wtxLeft     int
	chainRest   []byte

	mod []byte
}

// NewVirtualCard returns a MIFARE Classic 1K style card (ATQA 0004, SAK 08)
// with the given UID. The UID length picks ATQA bits 6-7.
func NewVirtualCard(uid []byte) *VirtualCard {
	c := &VirtualCard{
		UID:       append([]byte(nil), uid...),
		ATQA:      [2]byte{0x04, 0x00},
		SAK:       0x08,
		NACKLag:   8,
		PRNGTicks: 1 << 16,
		Blocks:    map[byte][]byte{},
	}
	switch len(uid) {
	case 7:
		c.ATQA[0] = 0x44
	case 10:
		c.ATQA[0] = 0x84
	}
	c.SeedPRNG(0x01020304)
	return c
}

// NewVirtualISO14443_4Card returns a card with SAK 0x20 answering RATS
// with ats.
func NewVirtualISO14443_4Card(uid, ats []byte) *VirtualCard { //nolint:revive // protocol name
	c := NewVirtualCard(uid)
	c.SAK = 0x20
	c.ATS = append([]byte(nil), ats...)
	return c
}

// SeedPRNG sets the nonce the PRNG produces at tick 0 and reseeds the
// source of RandomNonces.
func (c *VirtualCard) SeedPRNG(seed uint32) {
	c.nt0 = crypto1.SeedNonce(seed)
	c.rng = rand.New(rand.NewPCG(uint64(seed), 0x9E3779B97F4A7C15))
}

// NonceAt returns the nonce the field-clocked PRNG holds at tick start.
func (c *VirtualCard) NonceAt(start uint32) uint32 {
	ticks := c.PRNGTicks
	if ticks == 0 {
		ticks = 1 << 16
	}
	return crypto1.PRNGSuccessor(c.nt0, (start-c.lag)%ticks)
}

// nextNonce is the nonce for the next authentication starting at tick
// start.
func (c *VirtualCard) nextNonce(start uint32) uint32 {
	switch {
	case c.RandomNonces:
		// one flipped bit takes a nonce off every PRNG sequence
		return crypto1.SeedNonce(c.rng.Uint32()) ^ 1
	case c.PRNGStep != 0:
		steps := int64(c.Authentications) * int64(c.PRNGStep) % crypto1.PRNGPeriod
		if steps < 0 {
			steps += crypto1.PRNGPeriod
		}
		return crypto1.PRNGSuccessor(c.nt0, uint32(steps))
	}
	return c.NonceAt(start)
}

// LeakParity is the parity byte the card answers with a NACK for nonce nt
// and nonce-difference selector sel. The top three bits depend only on nt.
func LeakParity(nt uint32, sel byte) byte {
	h := nt*2654435761 + uint32(sel)*40503
	return byte(nt>>8)&0xE0 | byte(h>>11)&0x1F
}

// PowerOff drops the card back to idle.
func (c *VirtualCard) PowerOff() {
	c.state = stateIdle
	c.level = 0
	c.pendingAPDU = nil
	c.chainRest = nil
}

func (c *VirtualCard) segments() [][]byte {
	u := c.UID
	switch len(u) {
	case 7:
		return [][]byte{append([]byte{frame.CascadeTag}, u[:3]...), u[3:7]}
	case 10:
		return [][]byte{
			append([]byte{frame.CascadeTag}, u[:3]...),
			append([]byte{frame.CascadeTag}, u[3:6]...),
			u[6:10],
		}
	default:
		return [][]byte{u[:4]}
	}
}

// HandleFrame implements Card.
func (c *VirtualCard) HandleFrame(f ReaderFrame) []byte {
	cmd := f.Data
	if len(cmd) == 0 {
		return nil
	}

	if f.Bits == 7 {
		wake := cmd[0] == frame.CmdWUPA && (c.state == stateIdle || c.state == stateHalt)
		req := cmd[0] == frame.CmdREQA && c.state == stateIdle
		if wake || req {
			c.state = stateReady
			c.level = 0
			return c.answer(c.ATQA[:])
		}
		c.toIdle()
		return nil
	}

	switch c.state {
	case stateAuth:
		c.state = stateIdle
		if f.Bits == 64 {
			return c.answerNrAr(f)
		}
		return nil

	case stateReady:
		if cmd[0] == frame.CmdSelectCL1 || cmd[0] == frame.CmdSelectCL2 || cmd[0] == frame.CmdSelectCL3 {
			return c.anticollision(f)
		}
		if c.Fudan && cmd[0] == frame.CmdRead && len(cmd) == 4 && frame.CheckCRCA(cmd) {
			return c.answerCRC(c.block(cmd[1]))
		}

	case stateActive:
		switch {
		case cmd[0] == frame.CmdHalt && len(cmd) == 4:
			c.state = stateHalt
			return nil
		case (cmd[0] == frame.CmdAuthKeyA || cmd[0] == frame.CmdAuthKeyB) && len(cmd) == 4:
			c.nt = c.nextNonce(f.Start)
			c.state = stateAuth
			c.Authentications++
			return c.answer([]byte{byte(c.nt >> 24), byte(c.nt >> 16), byte(c.nt >> 8), byte(c.nt)})
		case cmd[0] == frame.CmdRATS && len(cmd) == 4 && c.ATS != nil:
			c.state = stateProtocol
			return c.answerCRC(c.ATS)
		case cmd[0] == frame.CmdRead && len(cmd) == 4 && frame.CheckCRCA(cmd):
			return c.answerCRC(c.block(cmd[1]))
		}

	case stateProtocol:
		if ans := c.protocolBlock(cmd); ans != nil {
			return ans
		}
		return nil

	case stateIdle, stateHalt:
		return nil
	}

	c.toIdle()
	return nil
}

func (c *VirtualCard) toIdle() {
	if c.state == stateReady || c.state == stateActive || c.state == stateProtocol {
		c.state = stateIdle
	}
}

func (c *VirtualCard) block(n byte) []byte {
	if b, ok := c.Blocks[n]; ok {
		return b
	}
	return make([]byte, 16)
}

func (c *VirtualCard) anticollision(f ReaderFrame) []byte {
	cmd := f.Data
	level := int(cmd[0]-frame.CmdSelectCL1) / 2
	segs := c.segments()
	if level != c.level || level >= len(segs) || len(cmd) < 2 {
		return nil
	}
	seg := segs[level]
	full := append(append([]byte(nil), seg...), seg[0]^seg[1]^seg[2]^seg[3])
	if c.BadBCC && level == 0 {
		full[4] ^= 0xFF
	}

	if cmd[1] == frame.NVBSelect && f.Bits == 72 {
		if !bytes.Equal(cmd[2:7], full) || !frame.CheckCRCA(cmd[:9]) {
			c.state = stateIdle
			return nil
		}
		sak := c.SAK
		if level < len(segs)-1 {
			c.level++
			sak = 0x04
		} else {
			c.state = stateActive
		}
		return c.answerCRC([]byte{sak})
	}

	nvb := cmd[1]
	known := (int(nvb>>4)-2)*8 + int(nvb&7)
	if known < 0 || known >= 40 || f.Bits != 16+known {
		return nil
	}
	for i := 0; i < known; i++ {
		if (cmd[2+i/8]>>uint(i%8))&1 != (full[i/8]>>uint(i%8))&1 {
			return nil
		}
	}
	rest := full[known/8:]
	c.mod, _ = iso14a.EncodeTagBits(c.mod, rest, known%8, iso14a.GetParity(rest))
	return c.mod
}

func (c *VirtualCard) answerNrAr(f ReaderFrame) []byte {
	sel := f.Data[3] >> 5
	switch c.NACK {
	case NACKNever:
		return nil
	case NACKLeakParity:
		if len(f.Parity) == 0 || f.Parity[0] != LeakParity(c.nt, sel) {
			return nil
		}
	case NACKAlways:
	}
	ks := byte(c.nt^uint32(f.Data[3])) & 0x0F
	c.lag += c.NACKLag
	c.NACKs++
	c.mod, _ = iso14a.EncodeTag4Bit(c.mod, 0x05^ks)
	return c.mod
}

// protocolBlock answers ISO14443-4 blocks.
func (c *VirtualCard) protocolBlock(cmd []byte) []byte {
	if len(cmd) < 3 || !frame.CheckCRCA(cmd) {
		return nil
	}
	pcb := cmd[0]
	body := cmd[1 : len(cmd)-2]

	switch {
	case pcb&0xE2 == 0x02: // I-block
		apdu := append([]byte(nil), body...)
		if c.WTX > 0 {
			c.pendingAPDU = apdu
			c.pendingBN = pcb & 1
			c.wtxLeft = c.WTX
			return c.answerCRC([]byte{0xF2, 0x01})
		}
		return c.iBlock(pcb&1, c.runAPDU(apdu))

	case pcb&0xF2 == 0xF2: // S(WTX) answer
		if c.pendingAPDU == nil {
			return nil
		}
		c.wtxLeft--
		if c.wtxLeft > 0 {
			return c.answerCRC([]byte{0xF2, 0x01})
		}
		apdu := c.pendingAPDU
		c.pendingAPDU = nil
		return c.iBlock(c.pendingBN, c.runAPDU(apdu))

	case pcb&0xF6 == 0xA2: // R(ACK)
		if c.chainRest == nil {
			return nil
		}
		rest := c.chainRest
		c.chainRest = nil
		return c.iBlock(pcb&1, rest)

	case pcb == 0xC2: // S(DESELECT)
		c.state = stateHalt
		return c.answerCRC([]byte{0xC2})
	}
	return nil
}

func (c *VirtualCard) runAPDU(apdu []byte) []byte {
	if c.APDU != nil {
		return c.APDU(apdu)
	}
	return append(append([]byte(nil), apdu...), 0x90, 0x00)
}

func (c *VirtualCard) iBlock(bn byte, data []byte) []byte {
	pcb := 0x02 | bn
	if c.ChainSize > 0 && len(data) > c.ChainSize {
		c.chainRest = append([]byte(nil), data[c.ChainSize:]...)
		data = data[:c.ChainSize]
		pcb |= 0x10
	}
	return c.answerCRC(append([]byte{pcb}, data...))
}

func (c *VirtualCard) answer(data []byte) []byte {
	c.mod, _ = iso14a.EncodeTagFrame(c.mod, data)
	return c.mod
}

func (c *VirtualCard) answerCRC(data []byte) []byte {
	return c.answer(frame.AppendCRCA(append([]byte(nil), data...)))
}
