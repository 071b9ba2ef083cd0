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
	"context"
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// AntiFuzzOptions configure RunAntiFuzz.
type AntiFuzzOptions struct {
	Tracer iso14a.Tracer
	// UID7 announces a double size UID: ATQA 44 00 and a cascade tag in
	// front of the colliding UID bytes.
	UID7 bool
}

// RunAntiFuzz answers every wake-up with an ATQA and every cascade 1
// anticollision request with a UID in which every bit collides. It probes
// how a reader copes with anticollision it cannot resolve, and runs until
// ctx is done or the radio fails.
func RunAntiFuzz(ctx context.Context, radio iso14a.Radio, opts AntiFuzzOptions) error {
	e := &Emulator{radio: radio, cfg: config{tracer: opts.Tracer}}
	if e.cfg.tracer == nil {
		e.cfg.tracer = iso14a.NopTracer{}
	}
	if err := radio.SetMode(iso14a.ModeTag); err != nil {
		return fmt.Errorf("tag mode: %w", err)
	}
	defer func() {
		if err := radio.SetMode(iso14a.ModeOff); err != nil {
			iso14a.Debugf("antifuzz: switching radio off: %v", err)
		}
	}()

	atqa := []byte{0x04, 0x00}
	uid := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00}
	if opts.UID7 {
		atqa[0] = 0x44
		uid[0] = frame.CascadeTag
	}
	uid[4] = bcc(uid)
	uidPar := iso14a.GetParity(uid)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.receive(ctx); err != nil {
			return err
		}
		cmd := e.uart.Data()

		switch {
		case cmd[0] == frame.CmdWUPA || cmd[0] == frame.CmdREQA:
			if err := e.send(ctx, append(e.scratch(), atqa...)); err != nil {
				return err
			}

		case cmd[0] == frame.CmdSelectCL1 && len(cmd) >= 2 && cmd[1] >= frame.NVBSelectAll:
			mod, duration := iso14a.EncodeTag(e.dynMod[:0], uid, uidPar, true)
			if err := e.transmit(ctx, mod, duration, uid, uidPar); err != nil {
				return err
			}
			iso14a.Debugf("antifuzz: collision answer to % X", cmd)

		default:
			e.traceReader()
			iso14a.Debugf("antifuzz: unanswered command % X", cmd)
		}
	}
}
