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

// ErrFieldOff is returned when the reader transmits with the field off.
var ErrFieldOff = errors.New("field is off")

// responseGap is the number of quiet samples between the end of a reader
// frame and a card's answer, about the ISO14443-A frame delay time.
const responseGap = 9

// Field simulates the RF field between a reader and any number of cards.
// It implements iso14a.Radio in reader mode.
//
// Reader modulation is Miller-decoded and given to every card. The cards'
// answers are OR-ed together, which is how simultaneous load modulation
// looks to a reader, and queued as samples. The clock advances by 8 ticks
// per sample and jumps forward to a scheduled transmission.
type Field struct {
	cards  []Card
	queue  []byte
	frames []ReaderFrame
	clock  uint32
	mode   iso14a.Mode

	out [iso14a.MaxFrameSize]byte
	par [iso14a.MaxParitySize]byte
}

// NewField returns a field holding cards, with power off.
func NewField(cards ...Card) *Field {
	return &Field{cards: cards}
}

// AddCard brings another card into the field.
func (f *Field) AddCard(c Card) {
	f.cards = append(f.cards, c)
}

// RemoveCards takes every card out of the field.
func (f *Field) RemoveCards() {
	f.cards = nil
	f.queue = nil
}

// ReaderFrames returns the reader frames the cards have seen.
func (f *Field) ReaderFrames() []ReaderFrame {
	return f.frames
}

// Mode returns the current radio mode.
func (f *Field) Mode() iso14a.Mode { return f.mode }

// Advance moves the clock forward by ticks.
func (f *Field) Advance(ticks uint32) {
	f.clock += ticks
}

// SetMode implements iso14a.Radio. Switching the field off resets every
// card that supports it.
func (f *Field) SetMode(mode iso14a.Mode) error {
	if mode == iso14a.ModeOff {
		for _, c := range f.cards {
			if pc, ok := c.(PowerCycler); ok {
				pc.PowerOff()
			}
		}
	}
	f.mode = mode
	f.queue = nil
	return nil
}

// Now implements iso14a.Radio.
func (f *Field) Now() uint32 { return f.clock }

// Transmit implements iso14a.Radio.
func (f *Field) Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.mode != iso14a.ModeReader {
		return 0, ErrFieldOff
	}
	if int32(at-f.clock) > 0 {
		f.clock = at
	}
	start := f.clock &^ 7
	f.clock = start + uint32(8*len(mod))
	f.queue = nil

	rf, ok := f.decode(mod, start)
	if !ok {
		return start, nil
	}
	f.frames = append(f.frames, rf)

	var mix []byte
	for _, c := range f.cards {
		ans := c.HandleFrame(rf)
		if len(ans) > len(mix) {
			mix = append(mix, make([]byte, len(ans)-len(mix))...)
		}
		for i, b := range ans {
			mix[i] |= b
		}
	}
	if mix != nil {
		f.queue = append(make([]byte, responseGap, responseGap+len(mix)), mix...)
	}
	return start, nil
}

// decode runs a reader modulation through a Miller decoder as a card
// would sample it: field present reads as 1.
func (f *Field) decode(mod []byte, start uint32) (ReaderFrame, bool) {
	d := iso14a.NewMillerDecoder(f.out[:], f.par[:])
	const idle = 4
	feed := func(sample byte, i int) bool {
		return d.Decode(sample, start+uint32(8*(i-idle)))
	}
	i := 0
	for ; i < idle; i++ {
		if feed(0xFF, i) {
			return ReaderFrame{}, false
		}
	}
	done := false
	for _, b := range mod {
		if feed(^b, i) {
			done = true
			break
		}
		i++
	}
	for n := 0; !done && n < idle; n++ {
		done = feed(0xFF, i)
		i++
	}
	if !done || d.Len() == 0 {
		return ReaderFrame{}, false
	}
	return ReaderFrame{
		Data:   append([]byte(nil), d.Data()...),
		Parity: append([]byte(nil), d.Parity()...),
		Bits:   d.Bits(),
		Start:  d.StartTime(),
	}, true
}

// Sample implements iso14a.Radio. With nothing queued the line is quiet.
func (f *Field) Sample(ctx context.Context) (byte, uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	var b byte
	if len(f.queue) > 0 {
		b = f.queue[0]
		f.queue = f.queue[1:]
	}
	ts := f.clock
	f.clock += 8
	return b, ts, nil
}

// Close implements iso14a.Radio.
func (f *Field) Close() error { return nil }

// Type implements iso14a.Radio.
func (*Field) Type() iso14a.RadioType { return iso14a.RadioMock }
