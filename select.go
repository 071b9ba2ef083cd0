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

package iso14a

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// SelectStatus is the outcome of Select.
type SelectStatus int

const (
	// SelectNoCard means nothing answered, or the card dropped out of the
	// exchange.
	SelectNoCard SelectStatus = 0
	// SelectOK means the card is selected and answered RATS (or RATS was
	// not requested).
	SelectOK SelectStatus = 1
	// SelectNoISO14443_4 means the card is selected but does not speak
	// ISO14443-4, so no RATS was sent.
	SelectNoISO14443_4 SelectStatus = 2 //nolint:revive // protocol name
	// SelectProprietary means the ATQA announces a proprietary
	// anticollision scheme; only the ATQA is valid.
	SelectProprietary SelectStatus = 3
)

func (s SelectStatus) String() string {
	switch s {
	case SelectNoCard:
		return "no card"
	case SelectOK:
		return "selected"
	case SelectNoISO14443_4:
		return "selected, no ISO14443-4"
	case SelectProprietary:
		return "proprietary anticollision"
	default:
		return fmt.Sprintf("SelectStatus(%d)", int(s))
	}
}

// CardInfo is what Select learned about a card.
type CardInfo struct {
	// UID is 4, 7 or 10 bytes, cascade tags removed.
	UID []byte
	// ATS is the raw answer to RATS including TL and the trailing CRC.
	ATS  []byte
	ATQA [2]byte
	SAK  byte
	// CUID is the last UID segment sent in a SELECT, as used to seed
	// Crypto-1.
	CUID uint32
}

// Cascades is the number of cascade levels the UID needs.
func (c *CardInfo) Cascades() int {
	return cascadesForUID(len(c.UID))
}

func (c *CardInfo) String() string {
	return fmt.Sprintf("UID=%X ATQA=%02X%02X SAK=%02X ATS=%X", c.UID, c.ATQA[0], c.ATQA[1], c.SAK, c.ATS)
}

func cascadesForUID(n int) int {
	switch n {
	case 7:
		return 2
	case 10:
		return 3
	default:
		return 1
	}
}

// SelectOptions tune a single Select. The zero value runs full
// anticollision and requests the ATS of ISO14443-4 cards.
type SelectOptions struct {
	// Polling replaces the configured wake-up frames.
	Polling *PollingParams
	// UID is selected directly when SkipAnticollision is set.
	UID []byte
	// SkipAnticollision selects UID without SELECT_ALL rounds.
	SkipAnticollision bool
	// NoRATS stops after the SAK.
	NoRATS bool
	// ForceRATS sends RATS whatever the SAK says, for magic cards that
	// hide their ISO14443-4 support.
	ForceRATS bool
}

// fudanRead reads the real UID of FM11RF005 cards.
var fudanRead = []byte{frame.CmdRead, 0x01, 0x8B, 0xB9}

// ratsCommand asks for FSD 256 and CID 0, CRC included.
var ratsCommand = []byte{frame.CmdRATS, frame.RATSParamDefault, 0x31, 0x73}

// GetATQA wakes a card with the polling frames in p, round-robin, until
// one answers or the retry budget (10 ms per frame plus p.ExtraTimeout)
// runs out. It returns the answer length, 0 if nothing answered. A nil p
// uses the configured polling frames.
func (r *Reader) GetATQA(ctx context.Context, resp, par []byte, p *PollingParams) (int, error) {
	saved := r.Timeout()
	r.SetTimeout(ATQATimeout)
	defer r.SetTimeout(saved)

	var params PollingParams
	if p != nil {
		params = *p
	} else {
		params = r.config.PollingParams()
	}
	if len(params.Frames) == 0 {
		params = WUPAPollingParams()
	}

	retryTicks := MsToTicks(retryTimeoutMs*uint32(len(params.Frames)) + params.ExtraTimeout)

	var start uint32
	first := true
	cur := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		f := params.Frames[cur]
		var err error
		if f.LastByteBits == 8 {
			err = r.Transmit(ctx, f.Frame, nil)
		} else {
			err = r.TransmitBitsPar(ctx, f.Frame, f.Bits(), nil, nil)
		}
		if err != nil {
			return 0, err
		}
		if f.ExtraDelay > 0 {
			r.delayNextTransfer(r.radio.Now() + MsToTicks(f.ExtraDelay))
		}

		n, err := r.Receive(ctx, resp, par)
		if err != nil {
			return 0, err
		}

		if first {
			start = r.radio.Now()
			first = false
		}
		cur = (cur + 1) % len(params.Frames)

		if n != 0 || r.radio.Now()-start > retryTicks {
			return n, nil
		}
	}
}

// Select wakes a card and runs anticollision and select over all cascade
// levels, then RATS when the card supports ISO14443-4. The configuration
// store's overrides apply. A radio failure or cancellation is returned
// as an error; a card that stops answering is SelectNoCard.
func (r *Reader) Select(ctx context.Context, opts SelectOptions) (SelectStatus, *CardInfo, error) {
	anticollision := !opts.SkipAnticollision
	cascades := 0
	if !anticollision {
		switch len(opts.UID) {
		case 4, 7, 10:
			cascades = cascadesForUID(len(opts.UID))
		default:
			return SelectNoCard, nil, fmt.Errorf("%w: UID of %d bytes", ErrInvalidParameter, len(opts.UID))
		}
	}

	cfg := r.config.Get()
	card := &CardInfo{}
	r.card = CardInfo{}
	resp := r.rxBuf[:]
	par := r.rxPar[:]

	n, err := r.GetATQA(ctx, resp, par, opts.Polling)
	if err != nil || n == 0 {
		return SelectNoCard, nil, err
	}
	card.ATQA = [2]byte{resp[0], resp[1]}

	// FM11RF005SH/M: the UID is read from block 1.
	if card.ATQA[1] == 0x00 && (card.ATQA[0] == 0x03 || card.ATQA[0] == 0x05) {
		return r.selectFudan(ctx, card)
	}

	switch cfg.ForceAnticol {
	case OverrideAuto:
		if card.ATQA[0]&0x1F == 0 {
			return SelectProprietary, card, nil
		}
	case OverrideSkip:
		return SelectProprietary, card, nil
	case OverrideForce:
	}

	var sak byte
	var uid [10]byte
	uidLen := 0
	for level, more := 0, true; more; level++ {
		if level > 2 {
			Debugf("select: cascade bit still set after level 3")
			return SelectNoCard, nil, nil
		}
		sel := byte(frame.CmdSelectCL1 + 2*level)

		var uidResp [5]byte
		if anticollision {
			ok, err := r.anticollision(ctx, sel, level, &uidResp)
			if err != nil || !ok {
				return SelectNoCard, nil, err
			}
		} else if level < cascades-1 {
			uidResp[0] = frame.CascadeTag
			copy(uidResp[1:4], opts.UID[level*3:level*3+3])
		} else {
			copy(uidResp[:4], opts.UID[level*3:level*3+4])
		}

		card.CUID = binary.BigEndian.Uint32(uidResp[:4])

		cmd := make([]byte, 9)
		cmd[0] = sel
		cmd[1] = frame.NVBSelect
		copy(cmd[2:6], uidResp[:4])
		bcc := uidResp[0] ^ uidResp[1] ^ uidResp[2] ^ uidResp[3]
		if anticollision {
			cmd[6] = uidResp[4]
			if cmd[6] != bcc {
				Debugf("select: BCC%d incorrect, got 0x%02X, expected 0x%02X", level, cmd[6], bcc)
				switch cfg.ForceBCC {
				case BCCStrict:
					Debugf("select: aborting")
					return SelectNoCard, nil, nil
				case BCCFix:
					cmd[6] = bcc
				case BCCIgnore:
				}
				Debugf("select: using BCC%d = 0x%02X", level, cmd[6])
			}
		} else {
			cmd[6] = bcc
		}
		frame.PutCRCA(cmd[:], 7)

		if err := r.Transmit(ctx, cmd, nil); err != nil {
			return SelectNoCard, nil, err
		}
		n, err := r.Receive(ctx, resp, par)
		if err != nil || n == 0 {
			if n == 0 && err == nil {
				Debugf("select: no SAK at cascade level %d", level+1)
			}
			return SelectNoCard, nil, err
		}
		sak = resp[0]

		more = sak&0x04 != 0
		switch {
		case level == 0 && cfg.ForceCL2 == OverrideSkip, level == 1 && cfg.ForceCL3 == OverrideSkip:
			more = false
		case level == 0 && cfg.ForceCL2 == OverrideForce, level == 1 && cfg.ForceCL3 == OverrideForce:
			more = true
		}

		segment := uidResp[:4]
		if more {
			segment = uidResp[1:4]
		}
		uidLen += copy(uid[level*3:], segment)
	}

	card.SAK = sak
	card.UID = append([]byte(nil), uid[:uidLen]...)
	r.card = *card

	switch {
	case cfg.ForceRATS == OverrideAuto && !opts.ForceRATS:
		if sak&0x20 == 0 {
			return SelectNoISO14443_4, card, nil
		}
	case cfg.ForceRATS == OverrideSkip && !opts.ForceRATS:
		if sak&0x20 != 0 {
			Debugf("select: skipping RATS by configuration")
		}
		return SelectNoISO14443_4, card, nil
	}
	if sak&0x20 == 0 && !opts.ForceRATS {
		Debugf("select: forcing RATS by configuration")
	}

	if !opts.NoRATS {
		if err := r.Transmit(ctx, ratsCommand, nil); err != nil {
			return SelectNoCard, nil, err
		}
		n, err := r.Receive(ctx, resp, par)
		if err != nil || n == 0 {
			return SelectNoCard, nil, err
		}
		card.ATS = append([]byte(nil), resp[:n]...)
		r.blockNum = 0
		r.setATSTimes(card.ATS)
		r.card = *card
	}
	return SelectOK, card, nil
}

// anticollision runs SELECT_ALL for one cascade level and splits
// collisions bit by bit, always following the card with a 1 at the
// collided position. uidResp receives the 4 UID bytes and the card's BCC.
func (r *Reader) anticollision(ctx context.Context, sel byte, level int, uidResp *[5]byte) (bool, error) {
	resp := r.rxBuf[:]
	par := r.rxPar[:]

	if err := r.Transmit(ctx, []byte{sel, frame.NVBSelectAll}, nil); err != nil {
		return false, err
	}
	n, err := r.Receive(ctx, resp, par)
	if err != nil || n == 0 {
		if err == nil {
			Debugf("select: no answer to CL%d SELECT_ALL", level+1)
		}
		return false, err
	}

	if r.CollisionPos() == NoCollision {
		copy(uidResp[:], resp[:min(n, 5)])
		return true, nil
	}

	var cmd [9]byte
	bits := 0
	offset := 0
	for r.CollisionPos() != NoCollision {
		coll := r.CollisionPos()
		Debugf("select: multiple tags, collision at bit %d", coll)

		for i := offset; i < coll && bits < 40; i++ {
			bit := resp[i/8] >> uint(i%8) & 1
			uidResp[bits/8] |= bit << uint(bits%8)
			bits++
		}
		if bits >= 40 {
			Debugf("select: collision beyond the UID")
			return false, nil
		}
		uidResp[bits/8] |= 1 << uint(bits%8)
		bits++

		cmd[0] = sel
		cmd[1] = byte((2+bits/8)<<4 | bits&7)
		nbytes := 2 + (bits+7)/8
		copy(cmd[2:nbytes], uidResp[:(bits+7)/8])
		offset = bits % 8

		if err := r.TransmitBits(ctx, cmd[:nbytes], 16+bits, nil); err != nil {
			return false, err
		}
		n, err = r.ReceiveOffset(ctx, resp, par, offset)
		if err != nil || n == 0 {
			return false, err
		}
	}

	for i := offset; i < n*8 && bits < 40; i++ {
		bit := resp[i/8] >> uint(i%8) & 1
		uidResp[bits/8] |= bit << uint(bits%8)
		bits++
	}
	return true, nil
}

func (r *Reader) selectFudan(ctx context.Context, card *CardInfo) (SelectStatus, *CardInfo, error) {
	resp := r.rxBuf[:]
	par := r.rxPar[:]

	if err := r.Transmit(ctx, fudanRead, nil); err != nil {
		return SelectNoCard, nil, err
	}
	n, err := r.Receive(ctx, resp, par)
	if err != nil || n == 0 {
		return SelectNoCard, nil, err
	}
	card.UID = append([]byte(nil), resp[:4]...)

	wupa := WUPAPollingParams()
	for range 2 {
		n, err := r.GetATQA(ctx, resp, par, &wupa)
		if err != nil || n == 0 {
			return SelectNoCard, nil, err
		}
	}

	card.SAK = 0x0A
	r.card = *card
	return SelectOK, card, nil
}

// setATSTimes applies the frame waiting time and start-up frame guard
// time announced in TB(1) of the ATS.
func (r *Reader) setATSTimes(ats []byte) {
	if len(ats) < 2 || ats[0] <= 1 || ats[1]&0x20 == 0 {
		return
	}
	idx := 2
	if ats[1]&0x10 != 0 {
		idx = 3
	}
	if idx >= len(ats) {
		return
	}
	tb1 := ats[idx]

	if fwi := tb1 >> 4; fwi != 15 {
		fwt := uint32(256*16) << fwi
		r.SetTimeout(fwt / (8 * 16))
	}
	if sfgi := tb1 & 0x0F; sfgi != 0 && sfgi != 15 {
		sfgt := uint32(256*16) << sfgi
		r.delayNextTransfer(r.demod.EndTime() + (sfgt-DelayAir2ArmAsReader-DelayArm2AirAsReader)/16)
	}
}

// FastSelect re-selects a card whose UID is already known, skipping the
// SELECT_ALL rounds. It reports whether every cascade level answered with
// a SAK.
func (r *Reader) FastSelect(ctx context.Context, uid []byte) (bool, error) {
	var cascades int
	switch len(uid) {
	case 4, 7, 10:
		cascades = cascadesForUID(len(uid))
	default:
		return false, fmt.Errorf("%w: UID of %d bytes", ErrInvalidParameter, len(uid))
	}

	var resp [3]byte
	var par [1]byte
	n, err := r.GetATQA(ctx, resp[:], par[:], nil)
	if err != nil || n == 0 {
		return false, err
	}

	var cmd [9]byte
	sak := byte(0x04)
	for level := 1; sak&0x04 != 0; level++ {
		if level > cascades {
			return false, nil
		}
		cmd[0] = byte(frame.CmdSelectCL1 + 2*(level-1))
		cmd[1] = frame.NVBSelect
		if level < cascades {
			cmd[2] = frame.CascadeTag
			copy(cmd[3:6], uid[(level-1)*3:(level-1)*3+3])
		} else {
			copy(cmd[2:6], uid[(level-1)*3:(level-1)*3+4])
		}
		cmd[6] = cmd[2] ^ cmd[3] ^ cmd[4] ^ cmd[5]
		frame.PutCRCA(cmd[:], 7)

		if err := r.Transmit(ctx, cmd[:], nil); err != nil {
			return false, err
		}
		n, err := r.Receive(ctx, resp[:], par[:])
		if err != nil || n != 3 {
			return false, err
		}
		sak = resp[0]
	}
	return true, nil
}

// Card returns the card found by the last Select.
func (r *Reader) Card() CardInfo {
	c := r.card
	c.UID = append([]byte(nil), c.UID...)
	c.ATS = append([]byte(nil), c.ATS...)
	return c
}

// Halt sends HLTA. A compliant card does not answer.
func (r *Reader) Halt(ctx context.Context) error {
	cmd := []byte{frame.CmdHalt, frame.HaltParam, 0, 0}
	frame.PutCRCA(cmd, 2)
	return r.Transmit(ctx, cmd, nil)
}
