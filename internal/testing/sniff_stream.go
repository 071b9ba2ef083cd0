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

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// SniffStream is a sniffer-mode Radio that replays a prepared exchange.
// Every 8-tick line sample becomes two 4-tick sniffer bytes carrying the
// reader level in the high nibble and the tag subcarrier in the low one.
type SniffStream struct {
	samples []byte
	pos     int
	base    uint32
	mode    iso14a.Mode
	mod     [iso14a.MaxFrameSize*9 + 8]byte
}

// NewSniffStream returns an empty stream whose first sample is at tick
// base. base must be a multiple of 8.
func NewSniffStream(base uint32) *SniffStream {
	return &SniffStream{base: base &^ 7}
}

func (s *SniffStream) tick() uint32 {
	return s.base + uint32(4*len(s.samples))
}

func (s *SniffStream) put(reader, tag byte) {
	s.samples = append(s.samples,
		reader&0xF0|tag>>4,
		reader<<4|tag&0x0F)
}

// Idle appends n quiet line samples.
func (s *SniffStream) Idle(n int) {
	for range n {
		s.put(0xFF, 0x00)
	}
}

// Reader appends a reader frame of bits bits with computed parity after
// gap quiet samples. It returns the tick the frame starts on.
func (s *SniffStream) Reader(data []byte, bits, gap int) uint32 {
	s.Idle(gap)
	start := s.tick()
	var par []byte
	if bits >= 8 {
		par = iso14a.GetParity(data[:bits/8])
	}
	mod, _ := iso14a.EncodeReaderBits(s.mod[:0], data, bits, par)
	for _, b := range mod {
		s.put(^b, 0x00)
	}
	return start
}

// Tag appends a tag frame with computed parity after gap quiet samples.
// It returns the tick the modulation starts on.
func (s *SniffStream) Tag(data []byte, gap int) uint32 {
	s.Idle(gap)
	start := s.tick()
	mod, _ := iso14a.EncodeTagFrame(s.mod[:0], data)
	for _, b := range mod {
		s.put(0xFF, b)
	}
	return start
}

// Len is the number of sniffer samples in the stream.
func (s *SniffStream) Len() int { return len(s.samples) }

// SetMode implements iso14a.Radio.
func (s *SniffStream) SetMode(mode iso14a.Mode) error {
	s.mode = mode
	return nil
}

// Mode returns the last mode set.
func (s *SniffStream) Mode() iso14a.Mode { return s.mode }

// Now implements iso14a.Radio.
func (s *SniffStream) Now() uint32 { return s.base + uint32(4*s.pos) }

// Transmit implements iso14a.Radio. A sniffer never transmits.
func (*SniffStream) Transmit(context.Context, []byte, uint32) (uint32, error) {
	return 0, iso14a.ErrInvalidParameter
}

// Sample implements iso14a.Radio and returns ErrScriptDone at the end of
// the stream.
func (s *SniffStream) Sample(ctx context.Context) (byte, uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if s.pos >= len(s.samples) {
		return 0, 0, ErrScriptDone
	}
	b := s.samples[s.pos]
	ts := s.Now()
	s.pos++
	return b, ts, nil
}

// Close implements iso14a.Radio.
func (*SniffStream) Close() error { return nil }

// Type implements iso14a.Radio.
func (*SniffStream) Type() iso14a.RadioType { return iso14a.RadioMock }
