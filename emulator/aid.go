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

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// APDU instructions answered in AID mode.
const (
	insSelect  = 0xA4
	insPutData = 0xDA
	insGetData = 0xCA
)

var swNotFound = []byte{0x6A, 0x82}

// AIDConfig turns the emulator into a single application ISO14443-4 card.
type AIDConfig struct {
	// AID is the application identifier SELECT must name.
	AID []byte
	// SelectResponse answers a SELECT of AID, status word included.
	SelectResponse []byte
	// GetDataResponse answers the first GET DATA. A second GET DATA ends
	// the emulation.
	GetDataResponse []byte
	// Enumerate logs every AID a reader selects.
	Enumerate bool
}

// WithAID runs the emulator in AID mode. A DESELECT, or a HALT after
// RATS, ends the emulation.
func WithAID(aid AIDConfig) Option {
	return func(c *config) {
		c.aid = &aid
	}
}

// anticollision answers the wake-up and select commands common to every
// mode. It reports whether cmd was one of them and was answered.
func (e *Emulator) anticollision(ctx context.Context, cmd []byte) (bool, error) {
	n := len(cmd)
	level, isSelect := cascadeLevel(cmd[0])
	switch {
	case n == 1 && cmd[0] == frame.CmdREQA:
		e.oddReply = !e.oddReply
		if e.oddReply {
			return true, e.sendSlot(ctx, slotATQA)
		}
		e.traceReader()
		return true, nil

	case n == 1 && cmd[0] == frame.CmdWUPA:
		return true, e.sendSlot(ctx, slotATQA)

	case isSelect && n == 2 && cmd[1] == frame.NVBSelectAll && level < e.cascades:
		return true, e.sendSlot(ctx, slotUIDC1+level)

	case isSelect && n == 9 && cmd[1] == frame.NVBSelect && level < e.cascades &&
		bytes.Equal(cmd[2:7], e.slots[slotUIDC1+level].Data):
		return true, e.sendSlot(ctx, slotSAKC1+level)

	case cmd[0] == frame.CmdPPS:
		return true, e.sendSlot(ctx, slotPPS)
	}
	return false, nil
}

func (e *Emulator) handleAID(ctx context.Context) (bool, error) {
	cmd := e.uart.Data()
	n := len(cmd)

	if ok, err := e.anticollision(ctx, cmd); ok || err != nil {
		return false, err
	}

	switch {
	case cmd[0] == frame.CmdHalt && n == 4:
		e.traceReader()
		return e.gotRATS, nil

	case cmd[0] == frame.CmdRATS && n == 4:
		e.gotRATS = true
		return false, e.sendSlot(ctx, slotATS)
	}

	resp, done := e.aidBlock(cmd)
	if resp != nil {
		return done, e.sendCRC(ctx, resp)
	}
	if !done {
		e.unknown(cmd)
	} else {
		e.traceReader()
	}
	return done, nil
}

// aidBlock answers an ISO14443-4 block in AID mode. It reports true once
// the reader is done with the application.
func (e *Emulator) aidBlock(cmd []byte) ([]byte, bool) {
	pcb := cmd[0]
	hasCID := pcb&0x08 != 0
	out := append(e.scratch(), pcb)
	if hasCID {
		if len(cmd) < 2 {
			return nil, false
		}
		out = append(out, cmd[1])
	}

	switch pcb {
	case 0xC2, 0xCA:
		return out, true
	case 0x02, 0x03, 0x0A, 0x0B:
	default:
		return nil, false
	}

	off := len(out)
	if len(cmd) < off+2+2 {
		return append(out, swNotFound...), false
	}
	apdu := cmd[off : len(cmd)-2]

	switch apdu[1] {
	case insSelect:
		var aid []byte
		if len(apdu) >= 5 && len(apdu) >= 5+int(apdu[4]) {
			aid = apdu[5 : 5+int(apdu[4])]
		}
		if e.cfg.aid.Enumerate {
			iso14a.Debugf("emulator: reader selected AID % X", aid)
		}
		if aid != nil && bytes.Equal(aid, e.cfg.aid.AID) {
			return append(out, e.cfg.aid.SelectResponse...), false
		}
		return append(out, swNotFound...), false

	case insPutData:
		return append(out, 0x90, 0x00), false

	case insGetData:
		if e.getDataSent > 0 {
			return nil, true
		}
		e.getDataSent++
		return append(out, e.cfg.aid.GetDataResponse...), false

	default:
		return append(out, swNotFound...), false
	}
}
