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

// Reader-to-tag frames use modified Miller coding. Sampled at the tag,
// a reader pause shows as zero bits in an otherwise all-ones sample:
//
//	Z: pause in the first half    logic 0, or start of communication
//	X: pause in the second half   logic 1
//	Y: no pause                   logic 0 after a 1, or end of communication
//
// A pause in both halves is never valid.

type millerState uint8

const (
	millerUnsynced millerState = iota
	millerStartOfCommunication
	millerX
	millerY
	millerZ
)

// millerModulation marks which 4-tick windows hold a reader pause: a
// 3-tick pause, or a 2-tick pause in any of three positions.
var millerModulation = [16]bool{
	false, true, false, true, false, false, false, true,
	false, true, false, false, false, false, false, false,
}

// Start of communication is a pause after at least 12 ticks of field:
// 00000111 11111111 10001111 10000000 under mask 00000111 11111111 11101111 10000000.
const (
	millerStartMask    uint32 = 0x07FFEF80
	millerStartPattern uint32 = 0x07FF8F80
)

// MillerDecoder turns reader samples into bytes and parity bits. It owns
// no buffers: output and parity are supplied by the caller, and Decode
// never allocates.
//
// After Decode reports a complete frame the decoder holds the frame until
// Reset (or Init) is called.
type MillerDecoder struct {
	output     []byte
	parity     []byte
	fourBits   uint32
	startTime  uint32
	endTime    uint32
	len        int
	parityLen  int
	bitCount   int
	syncBit    uint
	shiftReg   uint16
	parityBits byte
	state      millerState
}

// NewMillerDecoder returns a decoder writing into output (its length is
// the frame limit) and parity.
func NewMillerDecoder(output, parity []byte) *MillerDecoder {
	d := &MillerDecoder{}
	d.Init(output, parity)
	return d
}

// Init rebinds the output buffers and resets the decoder.
func (d *MillerDecoder) Init(output, parity []byte) {
	d.output = output
	d.parity = parity
	d.Reset()
}

// Reset returns the decoder to the unsynced state and drops the frame.
func (d *MillerDecoder) Reset() {
	d.state = millerUnsynced
	d.shiftReg = 0
	d.bitCount = 0
	d.len = 0
	d.syncBit = 0
	d.parityBits = 0
	d.parityLen = 0
	d.fourBits = 0
	d.startTime = 0
	d.endTime = 0
}

// Decode consumes one sample taken at tick ts (the tick of the sample's
// first bit) and reports whether a frame is complete. A full output
// buffer also reports completion.
func (d *MillerDecoder) Decode(sample byte, ts uint32) bool {
	if d.len == len(d.output) {
		return true
	}

	d.fourBits = d.fourBits<<8 | uint32(sample)

	if d.state == millerUnsynced {
		for k := uint(0); k < 8; k++ {
			if d.fourBits&(millerStartMask>>k) == millerStartPattern>>k {
				d.syncBit = 7 - k
				d.startTime = ts - uint32(d.syncBit)
				d.endTime = d.startTime
				d.state = millerStartOfCommunication
				break
			}
		}
		return false
	}

	window := d.fourBits >> d.syncBit
	firstHalf := millerModulation[(window>>4)&0x0F]
	secondHalf := millerModulation[window&0x0F]

	switch {
	case firstHalf && secondHalf:
		d.Reset()

	case firstHalf: // Z
		if d.state == millerX {
			d.Reset()
			return false
		}
		d.bitCount++
		d.shiftReg >>= 1
		d.state = millerZ
		d.endTime = d.startTime + uint32(8*(9*d.len+d.bitCount+1)-6)
		if d.bitCount >= 9 {
			d.emit()
		}

	case secondHalf: // X
		d.bitCount++
		d.shiftReg = d.shiftReg>>1 | 0x100
		d.state = millerX
		d.endTime = d.startTime + uint32(8*(9*d.len+d.bitCount+1)-2)
		if d.bitCount >= 9 {
			d.emit()
		}

	default: // Y
		if d.state == millerZ || d.state == millerY {
			return d.endOfCommunication()
		}
		if d.state == millerStartOfCommunication {
			d.Reset()
			return false
		}
		d.bitCount++
		d.shiftReg >>= 1
		d.state = millerY
		if d.bitCount >= 9 {
			d.emit()
		}
	}
	return false
}

// endOfCommunication handles a Y following a logic 0. That 0 belonged to
// the end sequence and is dropped.
func (d *MillerDecoder) endOfCommunication() bool {
	d.state = millerUnsynced
	d.bitCount--
	d.shiftReg <<= 1

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
	return false
}

func (d *MillerDecoder) emit() {
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

func (d *MillerDecoder) storeParity() {
	if d.parityLen < len(d.parity) {
		d.parity[d.parityLen] = d.parityBits
		d.parityLen++
	}
}

// Len is the number of decoded bytes, including a trailing partial byte.
func (d *MillerDecoder) Len() int { return d.len }

// Data returns the decoded bytes. The slice aliases the output buffer.
func (d *MillerDecoder) Data() []byte { return d.output[:d.len] }

// Parity returns the decoded parity bytes, packed as GetParity packs them.
func (d *MillerDecoder) Parity() []byte { return d.parity[:d.parityLen] }

// BitCount is the bit count of the trailing partial byte once a frame
// ends (7 for a short frame such as REQA), or the bits of the byte in
// progress while decoding.
func (d *MillerDecoder) BitCount() int { return d.bitCount }

// Bits is the frame length in data bits.
func (d *MillerDecoder) Bits() int {
	if d.bitCount > 0 && d.len > 0 {
		return (d.len-1)*8 + d.bitCount
	}
	return d.len * 8
}

// Synced reports whether a start of communication has been seen.
func (d *MillerDecoder) Synced() bool { return d.state != millerUnsynced }

// StartTime is the tick of the start of communication.
func (d *MillerDecoder) StartTime() uint32 { return d.startTime }

// EndTime is the tick at which the last decoded bit ended.
func (d *MillerDecoder) EndTime() uint32 { return d.endTime }
