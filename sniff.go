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
	"fmt"
)

// SniffTrigger delays recording until a condition is seen. The zero value
// records from the start.
type SniffTrigger uint8

const (
	// SniffTriggerTag starts recording at the first tag answer.
	SniffTriggerTag SniffTrigger = 1 << iota
	// SniffTriggerReader starts recording at the first 7-bit reader
	// request (REQA or WUPA).
	SniffTriggerReader
)

// SniffStats counts what a sniff session saw.
type SniffStats struct {
	Samples      uint64
	ReaderFrames int
	TagFrames    int
	Triggered    bool
}

// Sniffer passively decodes both directions of an exchange between a
// reader and a tag. The radio must deliver sniffer samples: each byte is
// 4 ticks, reader nibble high and tag nibble low.
type Sniffer struct {
	radio  Radio
	tracer Tracer

	uart  MillerDecoder
	demod ManchesterDecoder

	cmd    [MaxFrameSize]byte
	cmdPar [MaxParitySize]byte
	rsp    [MaxFrameSize]byte
	rspPar [MaxParitySize]byte
}

// NewSniffer returns a sniffer that logs every decoded frame to tracer.
func NewSniffer(radio Radio, tracer Tracer) *Sniffer {
	s := &Sniffer{radio: radio, tracer: tracer}
	if s.tracer == nil {
		s.tracer = NopTracer{}
	}
	s.uart.Init(s.cmd[:], s.cmdPar[:])
	s.demod.Init(s.rsp[:], s.rspPar[:])
	return s
}

// Run captures until ctx is done or the tracer refuses a frame, and
// switches the radio off on the way out. Cancellation is reported as
// ctx.Err() along with the statistics so far.
func (s *Sniffer) Run(ctx context.Context, trigger SniffTrigger) (stats SniffStats, err error) {
	if err := s.radio.SetMode(ModeSniffer); err != nil {
		return stats, fmt.Errorf("sniff: %w", err)
	}
	defer func() {
		if offErr := s.radio.SetMode(ModeOff); offErr != nil && err == nil {
			err = fmt.Errorf("sniff: %w", offErr)
		}
	}()

	s.uart.Reset()
	s.demod.Reset()

	stats.Triggered = trigger&(SniffTriggerTag|SniffTriggerReader) == 0
	var prev byte
	var prevTs uint32
	readerActive, tagActive := false, false

	for {
		if stats.Samples%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		cur, ts, err := s.radio.Sample(ctx)
		if err != nil {
			return stats, fmt.Errorf("sniff: %w", err)
		}

		if stats.Samples&1 == 1 {
			if !tagActive {
				readerData := prev&0xF0 | cur>>4
				if s.uart.Decode(readerData, prevTs) {
					if !stats.Triggered && trigger&SniffTriggerReader != 0 &&
						s.uart.Len() == 1 && s.uart.BitCount() == 7 {
						stats.Triggered = true
					}
					if stats.Triggered {
						stats.ReaderFrames++
						if !s.tracer.LogFrame(TraceFrame{
							Data:      s.uart.Data(),
							Parity:    s.uart.Parity(),
							Start:     s.uart.StartTime()*TraceTicks - DelayReaderAir2ArmSniffer,
							End:       s.uart.EndTime()*TraceTicks - DelayReaderAir2ArmSniffer,
							Direction: TraceReader,
						}) {
							return stats, nil
						}
					}
					s.uart.Reset()
					s.demod.Reset()
				}
				readerActive = s.uart.Synced()
			}

			if !readerActive {
				tagData := prev<<4 | cur&0x0F
				if s.demod.Decode(tagData, 0, prevTs) {
					stats.TagFrames++
					if !s.tracer.LogFrame(TraceFrame{
						Data:      s.demod.Data(),
						Parity:    s.demod.Parity(),
						Start:     s.demod.StartTime()*TraceTicks - DelayTagAir2ArmSniffer,
						End:       s.demod.EndTime()*TraceTicks - DelayTagAir2ArmSniffer,
						Direction: TraceTag,
					}) {
						return stats, nil
					}
					if !stats.Triggered && trigger&SniffTriggerTag != 0 {
						stats.Triggered = true
					}
					s.demod.Reset()
					s.uart.Reset()
				}
				tagActive = s.demod.Synced()
			}
		}

		prev = cur
		prevTs = ts
		stats.Samples++
	}
}
