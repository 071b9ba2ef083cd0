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
	"context"
	"errors"

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// ErrScriptDone is returned by TagScript.Sample once every step has been
// played and the line has gone quiet.
var ErrScriptDone = errors.New("tag script finished")

// defaultStepGap is the idle time before a scripted reader frame, in
// samples.
const defaultStepGap = 32

// ScriptStep is one reader frame played to an emulated tag.
type ScriptStep struct {
	// Build computes the frame from the tag's previous answer (nil if
	// the tag has not answered yet). It overrides Frame.
	Build func(prev *TagAnswer) []byte
	// Frame is sent with odd parity on every complete byte unless Parity
	// is set.
	Frame  []byte
	Parity []byte
	// Bits sends only the first Bits bits. 0 sends whole bytes.
	Bits int
	// Gap is the idle time before the frame in samples. 0 means 32.
	Gap int
}

// TagAnswer is a tag transmission captured by a TagScript.
type TagAnswer struct {
	Data   []byte
	Parity []byte
	// Bits is the decoded length in bits; 4 for ACK/NACK answers.
	Bits int
	// Step is the index of the last reader frame played before the answer.
	Step int
	// At is the tick the tag asked to start transmitting on.
	At uint32
	// ReaderEnd is the tick the preceding reader frame ended on.
	ReaderEnd uint32
}

// TagScript plays reader frames to an emulated tag and records what it
// answers. It implements iso14a.Radio in tag mode: samples carry the
// field level, so a reader pause reads as 0.
type TagScript struct {
	steps   []ScriptStep
	answers []TagAnswer
	queue   []byte
	next    int
	clock   uint32
	end     uint32
	mode    iso14a.Mode

	mod [iso14a.MaxFrameSize*9 + 8]byte
}

// NewTagScript returns a script that plays steps in order.
func NewTagScript(steps ...ScriptStep) *TagScript {
	return &TagScript{steps: steps, clock: 1 << 12}
}

// Answers returns the captured tag answers.
func (s *TagScript) Answers() []TagAnswer { return s.answers }

// AnswersTo returns the answers given to reader step i.
func (s *TagScript) AnswersTo(i int) []TagAnswer {
	var out []TagAnswer
	for _, a := range s.answers {
		if a.Step == i {
			out = append(out, a)
		}
	}
	return out
}

// Mode returns the current radio mode.
func (s *TagScript) Mode() iso14a.Mode { return s.mode }

// SetMode implements iso14a.Radio.
func (s *TagScript) SetMode(mode iso14a.Mode) error {
	s.mode = mode
	return nil
}

// Now implements iso14a.Radio.
func (s *TagScript) Now() uint32 { return s.clock }

func (s *TagScript) lastAnswer() *TagAnswer {
	if len(s.answers) == 0 {
		return nil
	}
	return &s.answers[len(s.answers)-1]
}

func (s *TagScript) loadStep() bool {
	if s.next >= len(s.steps) {
		return false
	}
	st := s.steps[s.next]
	s.next++

	data := st.Frame
	if st.Build != nil {
		data = st.Build(s.lastAnswer())
	}
	bits := st.Bits
	if bits == 0 {
		bits = len(data) * 8
	}
	var par []byte
	switch {
	case st.Parity != nil:
		par = st.Parity
	case bits >= 8:
		par = iso14a.GetParity(data[:bits/8])
	}
	gap := st.Gap
	if gap == 0 {
		gap = defaultStepGap
	}

	mod, duration := iso14a.EncodeReaderBits(s.mod[:0], data, bits, par)
	s.queue = s.queue[:0]
	for range gap {
		s.queue = append(s.queue, 0xFF)
	}
	for _, b := range mod {
		s.queue = append(s.queue, ^b)
	}
	s.queue = append(s.queue, 0xFF, 0xFF, 0xFF, 0xFF)
	s.end = s.clock + uint32(8*gap) + duration
	return true
}

// Sample implements iso14a.Radio.
func (s *TagScript) Sample(ctx context.Context) (byte, uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if len(s.queue) == 0 && !s.loadStep() {
		return 0, 0, ErrScriptDone
	}
	b := s.queue[0]
	s.queue = s.queue[1:]
	ts := s.clock
	s.clock += 8
	return b, ts, nil
}

// Transmit implements iso14a.Radio. The tag modulation is decoded and
// recorded as a TagAnswer.
func (s *TagScript) Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if int32(at-s.clock) > 0 {
		s.clock = at
	}
	start := s.clock &^ 7
	s.clock = start + uint32(8*len(mod))

	out := make([]byte, iso14a.MaxFrameSize)
	par := make([]byte, iso14a.MaxParitySize)
	d := iso14a.NewManchesterDecoder(out, par)
	samples := append(make([]byte, 4, len(mod)+8), mod...)
	samples = append(samples, 0, 0, 0, 0)
	for i, b := range samples {
		if d.Decode(b, 0, start+uint32(8*(i-4))) {
			bits := d.Len() * 8
			if bc := d.BitCount(); bc > 0 && bc < 8 {
				bits = (d.Len()-1)*8 + bc
			}
			s.answers = append(s.answers, TagAnswer{
				Data:      append([]byte(nil), d.Data()...),
				Parity:    append([]byte(nil), d.Parity()...),
				Bits:      bits,
				Step:      s.next - 1,
				At:        at,
				ReaderEnd: s.end,
			})
			break
		}
	}
	return start, nil
}

// Close implements iso14a.Radio.
func (s *TagScript) Close() error { return nil }

// Type implements iso14a.Radio.
func (*TagScript) Type() iso14a.RadioType { return iso14a.RadioMock }
