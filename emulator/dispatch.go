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

package emulator

import (
	"bytes"
	"context"
	"encoding/binary"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/crypto1"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// cascadeLevel maps a SELECT command byte to 0, 1 or 2.
func cascadeLevel(cmd byte) (int, bool) {
	switch cmd {
	case frame.CmdSelectCL1:
		return 0, true
	case frame.CmdSelectCL2:
		return 1, true
	case frame.CmdSelectCL3:
		return 2, true
	default:
		return 0, false
	}
}

// handle answers one reader command. It reports true when the emulator
// should stop.
func (e *Emulator) handle(ctx context.Context) (bool, error) {
	cmd := e.uart.Data()
	n := len(cmd)
	ul := e.profile.Ultralight()

	// ordered states first: their frames can look like other commands
	switch e.state {
	case stateHalted:
		if n == 1 && cmd[0] == frame.CmdWUPA {
			e.state = stateNone
			return false, e.sendSlot(ctx, slotATQA)
		}
		e.traceReader()
		return false, nil

	case stateCompatWrite:
		e.state = stateNone
		if n == 18 {
			return false, e.compatWriteData(ctx, cmd)
		}

	case stateAuth:
		e.state = stateNone
		if n == 8 && !ul {
			e.authAnswer(cmd)
			return false, nil
		}

	case stateNone:
	}

	if ok, err := e.anticollision(ctx, cmd); ok || err != nil {
		return false, err
	}

	switch {
	case cmd[0] == frame.CmdRead && n == 4:
		return e.read(ctx, cmd[1])

	case cmd[0] == frame.CmdULEV1FastRead && n == 5 && ul:
		return false, e.fastRead(ctx, cmd[1], cmd[2])

	case cmd[0] == frame.CmdULWrite && n == 8 && ul:
		return false, e.write(ctx, cmd)

	case cmd[0] == frame.CmdULCompatWrite && n == 4 && ul:
		return false, e.compatWrite(ctx, cmd)

	case cmd[0] == frame.CmdULEV1ReadSig && n == 4 && e.profile == NTAG215:
		return false, e.sendSlot(ctx, slotSignature)

	case cmd[0] == frame.CmdULEV1ReadCnt && n == 4 && e.profile == NTAG215:
		return false, e.readCounter(ctx, cmd[1])

	case cmd[0] == frame.CmdULEV1IncrCnt && n == 8 && e.profile == NTAG215:
		return false, e.incrementCounter(ctx, cmd)

	case cmd[0] == frame.CmdULEV1CheckTear && n == 4 && e.profile == NTAG215:
		return false, e.checkTearing(ctx, cmd[1])

	case cmd[0] == frame.CmdHalt && n == 4:
		e.state = stateHalted
		e.traceReader()
		return false, nil

	case cmd[0] == frame.CmdULEV1Version && n == 3 && (e.profile == MifareUltralight || e.profile == NTAG215):
		return false, e.sendSlot(ctx, slotVersion)

	case cmd[0] == frame.CmdDESFireGetVersion && n == 4 && e.profile == MifareDESFire:
		return false, e.sendSlot(ctx, slotVersion)

	case (cmd[0] == frame.CmdAuthKeyA || cmd[0] == frame.CmdAuthKeyB) && n == 4 && !ul:
		return false, e.auth(ctx, cmd)

	case cmd[0] == frame.CmdRATS && n == 4:
		if e.profile == MifareClassic1K || e.profile == MifareUltralight {
			return false, e.send4(ctx, frame.CardNACKNA)
		}
		return false, e.sendSlot(ctx, slotATS)

	case cmd[0] == frame.CmdULCAuth1 && n == 4 && e.profile == MifareUltralightC:
		return false, e.ulcAuth1(ctx)

	case cmd[0] == frame.CmdULCAuth2 && n == 19 && e.profile == MifareUltralightC:
		return false, e.ulcAuth2(ctx, cmd)

	case cmd[0] == frame.CmdULEV1PwdAuth && n == 7 && e.profile == NTAG215:
		return false, e.pwdAuth(ctx, cmd)

	case cmd[0] == frame.CmdULEV1VCSL && n == 23 && e.profile == NTAG215:
		return false, e.sendCRC(ctx, append(e.scratch(), e.page(e.pages-2)[1]))

	default:
		var resp []byte
		if e.profile == ST25TA {
			resp = e.st25ta(cmd)
		} else {
			resp = e.iso14443_4(cmd)
		}
		if resp != nil {
			return false, e.sendCRC(ctx, resp)
		}
	}

	e.unknown(cmd)
	return false, nil
}

func (e *Emulator) unknown(cmd []byte) {
	e.traceReader()
	iso14a.Debugf("emulator: unanswered command (%d bytes) % X", len(cmd), cmd)
	if len(cmd) > 0 && cmd[0]&0xE2 == 0x02 && cmd[0]&0x10 != 0 {
		iso14a.Debugf("emulator: chained I-block not supported")
	}
}

// read answers READ. Ultralight family tags return four pages, wrapping
// past the last one; the others return a 16-byte block.
func (e *Emulator) read(ctx context.Context, block byte) (bool, error) {
	if e.profile == FM11RF005SH && block == 1 {
		return false, e.sendSlot(ctx, slotUIDC1)
	}

	out := e.scratch()
	if e.profile.Ultralight() {
		if int(block) > e.pages {
			return false, e.send4(ctx, frame.CardNACKIV)
		}
		for i := 0; i < 4; i++ {
			out = append(out, e.page((int(block)+i)%(e.pages+1))...)
		}
		if err := e.sendCRC(ctx, out); err != nil {
			return false, err
		}
		e.stats.Reads++
		if e.cfg.exitAfterReads > 0 && e.stats.Reads == e.cfg.exitAfterReads {
			iso14a.Debugf("emulator: %d reads done", e.stats.Reads)
			return true, nil
		}
		return false, nil
	}

	off := int(block) * 16
	if off+16 > len(e.memory) {
		return false, e.send4(ctx, frame.CardNACKIV)
	}
	out = append(out, e.memory[off:off+16]...)
	return false, e.sendCRC(ctx, out)
}

func (e *Emulator) fastRead(ctx context.Context, first, last byte) error {
	if int(first) > e.pages || int(last) > e.pages || last < first ||
		(int(last-first)+1)*4+2 > iso14a.MaxFrameSize {
		return e.send4(ctx, frame.CardNACKIV)
	}
	out := e.scratch()
	for p := int(first); p <= int(last); p++ {
		out = append(out, e.page(p)...)
	}
	return e.sendCRC(ctx, out)
}

// write answers WRITE: one page, CRC checked. The OTP page only takes
// bits that set.
func (e *Emulator) write(ctx context.Context, cmd []byte) error {
	if !frame.CheckCRCA(cmd) {
		return e.send4(ctx, frame.CardNACKPA)
	}
	block := int(cmd[1])
	if block > e.pages {
		return e.send4(ctx, frame.CardNACKIV)
	}
	data := cmd[2:6]
	if block == 3 {
		orig := e.page(3)
		for i := range orig {
			if orig[i]&^data[i] != 0 {
				return e.send4(ctx, frame.CardNACKIV)
			}
		}
	}
	copy(e.page(block), data)
	if err := e.send4(ctx, frame.CardACK); err != nil {
		return err
	}
	if e.profile == MifareUltralightC && block >= 0x2C && block <= 0x2F {
		e.ulcRereadKey = true
	}
	return nil
}

// compatWrite answers the first phase of COMPATIBILITY_WRITE.
func (e *Emulator) compatWrite(ctx context.Context, cmd []byte) error {
	if !frame.CheckCRCA(cmd) {
		return e.send4(ctx, frame.CardNACKPA)
	}
	if int(cmd[1]) > e.pages {
		return e.send4(ctx, frame.CardNACKIV)
	}
	e.wrBlock = cmd[1]
	e.state = stateCompatWrite
	return e.send4(ctx, frame.CardACK)
}

// compatWriteData takes the 16 data bytes of the second phase and writes
// the first four.
func (e *Emulator) compatWriteData(ctx context.Context, cmd []byte) error {
	if !frame.CheckCRCA(cmd) {
		return e.send4(ctx, frame.CardNACKPA)
	}
	copy(e.page(int(e.wrBlock)), cmd[:4])
	return e.send4(ctx, frame.CardACK)
}

func (e *Emulator) counter(i byte) []byte {
	off := ulCountersOff + 4*int(i)
	return e.memory[off : off+4]
}

func (e *Emulator) readCounter(ctx context.Context, i byte) error {
	if i > 2 {
		return e.send4(ctx, frame.CardNACKIV)
	}
	return e.sendCRC(ctx, append(e.scratch(), e.counter(i)[:3]...))
}

func (e *Emulator) incrementCounter(ctx context.Context, cmd []byte) error {
	i := cmd[1]
	if i > 2 {
		return e.send4(ctx, frame.CardNACKIV)
	}
	c := e.counter(i)
	v := le24(c) + le24(cmd[2:5])
	if v > 0xFFFFFF {
		return e.send4(ctx, frame.CardNACKNA)
	}
	putLE24(c, v)
	return e.send4(ctx, frame.CardACK)
}

func (e *Emulator) checkTearing(ctx context.Context, i byte) error {
	if i > 2 {
		return e.send4(ctx, frame.CardNACKIV)
	}
	return e.sendCRC(ctx, append(e.scratch(), e.counter(i)[3]))
}

// pwdAuth answers PWD_AUTH with the PACK or NACK. A blank password page
// accepts the password derived from the UID.
func (e *Emulator) pwdAuth(ctx context.Context, cmd []byte) error {
	pwd := [4]byte(e.page(e.pages - 1))
	if pwd == [4]byte{} {
		pwd = amiiboPassword(e.uid)
	}
	if !bytes.Equal(cmd[1:5], pwd[:]) {
		iso14a.Debugf("emulator: password % X rejected", cmd[1:5])
		return e.send4(ctx, frame.CardNACKIV)
	}
	return e.sendSlot(ctx, slotPACK)
}

// auth answers a MIFARE Classic AUTH with a fresh nonce from the tick
// clock and waits for the reader's {nr}{ar}.
func (e *Emulator) auth(ctx context.Context, cmd []byte) error {
	e.authKeyType = cmd[0] - frame.CmdAuthKeyA
	e.authSector = cmd[1] / 4
	e.nonce = crypto1.PRNGSuccessor(e.radio.Now()/iso14a.TicksPerMs, 32)
	e.state = stateAuth

	out := binary.BigEndian.AppendUint32(e.scratch(), e.nonce)
	return e.send(ctx, out)
}

// authAnswer takes the reader's {nr}{ar}. Nothing is answered: the
// emulator does not run Crypto-1.
func (e *Emulator) authAnswer(cmd []byte) {
	e.traceReader()
	if e.cfg.onNonce == nil {
		return
	}
	nr := binary.BigEndian.Uint32(cmd[0:4])
	ar := binary.BigEndian.Uint32(cmd[4:8])
	pair, ok := e.harvest.add(e.cuid, e.authSector, e.authKeyType, e.nonce, nr, ar)
	if !ok {
		return
	}
	e.stats.NoncePairs++
	e.nonces = append(e.nonces, pair)
	iso14a.Debugf("emulator: nonce pair %s", pair)
	e.cfg.onNonce(pair)
}

// ulcAuth1 answers the first Ultralight C authentication step with
// AF || ek(RndB).
func (e *Emulator) ulcAuth1(ctx context.Context) error {
	e.ulc.resetIV()
	if e.ulcRereadKey {
		if err := e.loadULCKey(); err != nil {
			return err
		}
		e.ulcRereadKey = false
	}

	out := append(e.scratch(), frame.CmdULCAuth2)
	out = append(out, make([]byte, 8)...)
	if !e.cfg.ulcCapture1 {
		e.ulc.encrypt(out[1:9], ulcTagNonce[:])
	}
	e.state = stateAuth
	return e.sendCRC(ctx, out)
}

// ulcAuth2 checks ek(RndA || RndB') and answers 00 || ek(RndA').
func (e *Emulator) ulcAuth2(ctx context.Context, cmd []byte) error {
	var rndAB [16]byte
	e.ulc.decrypt(rndAB[:], cmd[1:17])
	rotateRight(rndAB[8:])
	if !bytes.Equal(rndAB[8:], ulcTagNonce[:]) {
		iso14a.Debugf("emulator: Ultralight C authentication failed")
	}

	out := append(e.scratch(), 0x00)
	out = append(out, make([]byte, 8)...)
	if !e.cfg.ulcCapture2 {
		rotateLeft(rndAB[:8])
		e.ulc.encrypt(out[1:9], rndAB[:8])
	}
	return e.sendCRC(ctx, out)
}

// st25taReadBinary and st25taVerify are the frames, CRC included, an
// IKEA Rothult lock sends to its ST25TA tag.
var (
	st25taReadBinary = []byte{0x02, 0xA2, 0xB0, 0x00, 0x00, 0x1D, 0x51, 0x69}
	st25taVerify     = []byte{0x02, 0x00, 0x20, 0x00, 0x01, 0x00, 0x6E, 0xA9}
	st25taPassword   = []byte{0x03, 0x00, 0x20, 0x00, 0x01, 0x10}
	st25taNDEF       = []byte{
		0x00, 0x1B, 0xD1, 0x01, 0x17, 0x54, 0x02, 0x7A, 0x68, 0xA2,
		0x34, 0xCB, 0xD0, 0xE2, 0x03, 0xC7, 0x3E, 0x62, 0x0B, 0xE8,
		0xC6, 0x3C, 0x85, 0x2C, 0xC5, 0x31, 0x31, 0x31, 0x32, 0x90,
		0x00,
	}
)

// st25ta answers everything with 90 00 except the NDEF read binary and
// the unauthenticated verify.
func (e *Emulator) st25ta(cmd []byte) []byte {
	out := append(e.scratch(), cmd[0])
	switch {
	case bytes.HasPrefix(cmd, st25taReadBinary):
		return append(out, st25taNDEF...)
	case bytes.HasPrefix(cmd, st25taVerify):
		return append(out, 0x63, 0x00)
	case bytes.HasPrefix(cmd, st25taPassword) && len(cmd) >= 22:
		iso14a.Debugf("emulator: reader password % X", cmd[6:22])
	}
	return append(out, 0x90, 0x00)
}

// iso14443_4 gives the generic block answers of a card without an
// application: success to I-blocks, ACK to chaining, echo to S-blocks.
// A CID is echoed when the PCB announces one.
func (e *Emulator) iso14443_4(cmd []byte) []byte {
	pcb := cmd[0]
	out := e.scratch()
	hasCID := pcb&0x08 != 0
	if hasCID && len(cmd) < 2 {
		return nil
	}
	cid := func(b []byte) []byte {
		if hasCID {
			return append(b, cmd[1])
		}
		return b
	}

	switch pcb {
	case 0x02, 0x03, 0x0A, 0x0B:
		return append(cid(append(out, pcb)), 0x90, 0x00)
	case 0x1A, 0x1B:
		return cid(append(out, 0xAA|pcb&0x01))
	case 0xAA, 0xBB:
		return cid(append(out, pcb^0x11))
	case 0xBA:
		return cid(append(out, 0xAB))
	case 0xC2, 0xCA:
		return cid(append(out, pcb))
	default:
		return nil
	}
}
