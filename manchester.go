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

// Tag-to-reader frames use Manchester coding on the 847 kHz subcarrier:
//
//	D: modulation in the first half    logic 1 (and the start bit)
//	E: modulation in the second half   logic 0
//	F: no modulation                   end of communication
//
// Modulation in both halves means two tags answered with different bits.

type manchesterState uint8

const (
	manchesterUnsynced manchesterState = iota
	manchesterData
)

// manchesterModulation marks 4-tick windows that carry subcarrier.
var manchesterModulation = [16]bool{
	false, false, false, false, false, false, false, true,
	false, false, false, true, false, true, true, true,
}

// manchesterSync lists the start-bit masks and patterns, probed in order;
// index i gives sync bit 7-i.
var manchesterSync = [8][2]uint16{
	{0x7700, 0x7000},
	{0x3B80, 0x3800},
	{0x1DC0, 0x1C00},
	{0x0EE0, 0x0E00},
	{0x0770, 0x0700},
	{0x03B8, 0x0380},
	{0x01DC, 0x01C0},
	{0x00EE, 0x00E0},
}

// NoCollision is the CollisionPos of a frame without a collision.
const NoCollision = -1

// ManchesterDecoder turns tag samples into bytes and parity bits, and
// records the first collided bit. Like MillerDecoder it writes into
// caller buffers and never allocates.
type ManchesterDecoder struct {
	output       []byte
	parity       []byte
	startTime    uint32
	endTime      uint32
	len          int
	parityLen    int
	bitCount     int
	collisionPos int
	highCnt      int
	syncBit      uint
	twoBits      uint16
	shiftReg     uint16
	parityBits   byte
	state        manchesterState
}

// NewManchesterDecoder returns a decoder writing into output and parity.
// parity may be nil for the Thinfilm variant.
func NewManchesterDecoder(output, parity []byte) *ManchesterDecoder {
	d := &ManchesterDecoder{}
	d.Init(output, parity)
	return d
}

// Init rebinds the output buffers and resets the decoder.
func (d *ManchesterDecoder) Init(output, parity []byte) {
	d.output = output
	d.parity = parity
	d.Reset()
}

// Reset returns the decoder to the unsynced state and drops the frame.
func (d *ManchesterDecoder) Reset() {
	d.state = manchesterUnsynced
	d.twoBits = 0xFFFF
	d.highCnt = 0
	d.bitCount = 0
	d.collisionPos = NoCollision
	d.syncBit = 0
	d.parityBits = 0
	d.parityLen = 0
	d.shiftReg = 0
	d.len = 0
	d.startTime = 0
	d.endTime = 0
}

// sync waits for two quiet windows, then looks for the start bit. It
// reports whether the decoder locked on this sample.
func (d *ManchesterDecoder) sync(ts uint32) bool {
	if d.highCnt < 2 {
		if d.twoBits == 0 {
			d.highCnt++
		} else {
			d.highCnt = 0
		}
		return false
	}
	for i, mp := range manchesterSync {
		if d.twoBits&mp[0] == mp[1] {
			d.syncBit = uint(7 - i)
			d.startTime = ts - uint32(d.syncBit)
			d.state = manchesterData
			return true
		}
	}
	return false
}

// Decode consumes one sample taken at tick ts. offset seeds the bit
// counter so a frame can resume mid-byte after a partial anticollision
// frame; pass 0 otherwise.
func (d *ManchesterDecoder) Decode(sample byte, offset int, ts uint32) bool {
	if d.len == len(d.output) {
		d.flushParity()
		return true
	}

	d.twoBits = d.twoBits<<8 | uint16(sample)

	if d.state == manchesterUnsynced {
		if d.sync(ts) {
			d.bitCount = offset
		}
		return false
	}

	window := d.twoBits >> d.syncBit
	firstHalf := manchesterModulation[(window>>4)&0x0F]
	secondHalf := manchesterModulation[window&0x0F]

	switch {
	case firstHalf:
		if secondHalf && d.collisionPos == NoCollision {
			d.collisionPos = d.len<<3 + d.bitCount
		}
		// a collided bit reads as 1
		d.bitCount++
		d.shiftReg = d.shiftReg>>1 | 0x100
		if d.bitCount == 9 {
			d.emit()
		}
		d.endTime = d.startTime + uint32(8*(9*d.len+d.bitCount+1)-4)

	case secondHalf:
		d.bitCount++
		d.shiftReg >>= 1
		if d.bitCount >= 9 {
			d.emit()
		}
		d.endTime = d.startTime + uint32(8*(9*d.len+d.bitCount+1))

	default:
		if d.bitCount > 0 {
			d.shiftReg >>= uint(9 - d.bitCount)
			d.output[d.len] = byte(d.shiftReg)
			d.len++
			d.parityBits <<= 1
			d.parityBits <<= uint(8 - (d.len & 7))
			d.storeParity()
			return true
		}
		if d.len&7 != 0 {
			d.parityBits <<= uint(8 - (d.len & 7))
			d.storeParity()
		}
		if d.len > 0 {
			return true
		}
		d.Reset()
	}
	return false
}

// DecodeThinfilm is Decode for Thinfilm tags: the start bit counts as the
// first data bit, bytes fill MSB-first with 8 bits each, and there is no
// parity.
func (d *ManchesterDecoder) DecodeThinfilm(sample byte, ts uint32) bool {
	if d.len == len(d.output) {
		d.flushParity()
		return true
	}

	d.twoBits = d.twoBits<<8 | uint16(sample)

	if d.state == manchesterUnsynced {
		if d.sync(ts) {
			d.bitCount = 1
			d.shiftReg = 1
		}
		return false
	}

	window := d.twoBits >> d.syncBit
	firstHalf := manchesterModulation[(window>>4)&0x0F]
	secondHalf := manchesterModulation[window&0x0F]

	switch {
	case firstHalf:
		if secondHalf && d.collisionPos == NoCollision {
			d.collisionPos = d.len<<3 + d.bitCount
		}
		d.bitCount++
		d.shiftReg = d.shiftReg<<1 | 1
		if d.bitCount == 8 {
			d.emitThinfilm()
		}
		d.endTime = d.startTime + uint32(8*(8*d.len+d.bitCount+1)-4)

	case secondHalf:
		d.bitCount++
		d.shiftReg <<= 1
		if d.bitCount >= 8 {
			d.emitThinfilm()
		}
		d.endTime = d.startTime + uint32(8*(8*d.len+d.bitCount+1))

	default:
		if d.bitCount > 0 {
			d.shiftReg <<= uint(8 - d.bitCount)
			d.output[d.len] = byte(d.shiftReg)
			d.len++
			return true
		}
		if d.len > 0 {
			return true
		}
		d.Reset()
	}
	return false
}

func (d *ManchesterDecoder) emit() {
	d.output[d.len] = byte(d.shiftReg)
	d.len++
	d.parityBits = d.parityBits<<1 | byte(d.shiftReg>>8)&1
	d.bitCount = 0
	d.shiftReg = 0
	if d.len&7 == 0 {
		d.storeParity()
		d.parityBits = 0
	}
}

func (d *ManchesterDecoder) emitThinfilm() {
	d.output[d.len] = byte(d.shiftReg)
	d.len++
	d.bitCount = 0
	d.shiftReg = 0
}

func (d *ManchesterDecoder) flushParity() {
	d.parityBits <<= uint(8 - (d.len & 7))
	d.storeParity()
}

func (d *ManchesterDecoder) storeParity() {
	if d.parityLen < len(d.parity) {
		d.parity[d.parityLen] = d.parityBits
		d.parityLen++
	}
}

// Len is the number of decoded bytes.
func (d *ManchesterDecoder) Len() int { return d.len }

// Data returns the decoded bytes. The slice aliases the output buffer.
func (d *ManchesterDecoder) Data() []byte { return d.output[:d.len] }

// Parity returns the decoded parity bytes.
func (d *ManchesterDecoder) Parity() []byte { return d.parity[:d.parityLen] }

// CollisionPos is the bit index of the first collided bit, counted from
// the start of the frame including any offset, or NoCollision.
func (d *ManchesterDecoder) CollisionPos() int { return d.collisionPos }

// BitCount is the bit count of the byte in progress or of the trailing
// partial byte.
func (d *ManchesterDecoder) BitCount() int { return d.bitCount }

// Synced reports whether the start bit has been seen.
func (d *ManchesterDecoder) Synced() bool { return d.state != manchesterUnsynced }

// StartTime is the tick of the start bit.
func (d *ManchesterDecoder) StartTime() uint32 { return d.startTime }

// EndTime is the tick at which the last decoded bit ended.
func (d *ManchesterDecoder) EndTime() uint32 { return d.endTime }
