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

// Line-code bytes, one per bit period, as clocked out to the modulator.
// For reader frames a set bit is a field pause; for tag frames it is
// subcarrier load modulation.
const (
	SeqD         byte = 0xF0 // tag logic 1
	SeqE         byte = 0x0F // tag logic 0
	SeqF         byte = 0x00 // tag end of communication
	SeqCollision byte = 0xFF // both halves modulated
	SeqX         byte = 0x0C // reader logic 1
	SeqY         byte = 0x00 // reader no pause
	SeqZ         byte = 0xC0 // reader pause in the first half

	// tagCorrection precedes every tag frame; the modulator answers one
	// bit period late and this bit takes up the slack.
	tagCorrection byte = 0x08
)

// MaxModulationLen bounds a tag response: 18 bytes with parity plus
// start, stop and correction.
const MaxModulationLen = 18*9 + 4

// millerWriter tracks the previous sequence so a 0 after a 0 becomes Z
// and a 0 after a 1 becomes Y.
type millerWriter struct {
	buf      []byte
	duration uint32
	lastOne  bool
}

func (w *millerWriter) put(bit bool) {
	switch {
	case bit:
		w.buf = append(w.buf, SeqX)
		w.duration = uint32(8*len(w.buf) - 2)
		w.lastOne = true
	case !w.lastOne:
		w.buf = append(w.buf, SeqZ)
		w.duration = uint32(8*len(w.buf) - 6)
	default:
		w.buf = append(w.buf, SeqY)
		w.lastOne = false
	}
}

// EncodeReaderBits appends the Miller modulation of the first bits of cmd
// to dst and returns it with the air time in ticks. A parity bit follows
// each complete byte when par is non-nil; short frames such as REQA pass
// nil. Bits go out LSB first.
func EncodeReaderBits(dst, cmd []byte, bits int, par []byte) ([]byte, uint32) {
	w := millerWriter{buf: append(dst[:0], SeqZ)}
	w.duration = uint32(8*len(w.buf) - 6)

	nbytes := (bits + 7) / 8
	for i := 0; i < nbytes; i++ {
		b := cmd[i]
		left := min(bits-i*8, 8)
		for j := 0; j < left; j++ {
			w.put(b&1 != 0)
			b >>= 1
		}
		if left == 8 && par != nil {
			w.put(par[i>>3]&(0x80>>uint(i&7)) != 0)
		}
	}

	// end of communication: a logic 0 then Y
	if !w.lastOne {
		w.buf = append(w.buf, SeqZ)
		w.duration = uint32(8*len(w.buf) - 6)
	} else {
		w.buf = append(w.buf, SeqY)
	}
	w.buf = append(w.buf, SeqY)
	return w.buf, w.duration
}

// EncodeReader encodes whole bytes with the given parity.
func EncodeReader(dst, cmd, par []byte) ([]byte, uint32) {
	return EncodeReaderBits(dst, cmd, len(cmd)*8, par)
}

// DelayModulation shifts mod later by delay&7 ticks, carrying bits into an
// extra trailing byte. It works in place when mod has spare capacity.
func DelayModulation(mod []byte, delay uint32) []byte {
	delay &= 7
	if delay == 0 {
		return mod
	}
	mod = append(mod, 0)
	mask := byte(1)<<delay - 1
	var carry byte
	for i, b := range mod {
		next := b & mask
		mod[i] = b>>delay | carry<<(8-delay)
		carry = next
	}
	return mod
}

// EncodeTag appends the Manchester modulation of cmd with parity bits
// par. With collision set every bit is sent as a collision, which makes a
// reader see contention on all bits.
func EncodeTag(dst, cmd, par []byte, collision bool) ([]byte, uint32) {
	buf := append(dst[:0], tagCorrection, SeqD)
	duration := uint32(8*(len(buf)-1) - 4)

	for i, b := range cmd {
		for j := 0; j < 8; j++ {
			switch {
			case collision:
				buf = append(buf, SeqCollision)
			case b&1 != 0:
				buf = append(buf, SeqD)
			default:
				buf = append(buf, SeqE)
			}
			b >>= 1
		}
		switch {
		case collision:
			buf = append(buf, SeqCollision)
			duration = uint32(8 * (len(buf) - 1))
		case par[i>>3]&(0x80>>uint(i&7)) != 0:
			buf = append(buf, SeqD)
			duration = uint32(8*(len(buf)-1) - 4)
		default:
			buf = append(buf, SeqE)
			duration = uint32(8 * (len(buf) - 1))
		}
	}
	return append(buf, SeqF), duration
}

// EncodeTagFrame encodes cmd with its computed parity.
func EncodeTagFrame(dst, cmd []byte) ([]byte, uint32) {
	var par [MaxParitySize]byte
	FillParity(par[:], cmd)
	return EncodeTag(dst, cmd, par[:], false)
}

// EncodeTag4Bit encodes a 4-bit ACK/NACK answer, sent without parity.
func EncodeTag4Bit(dst []byte, v byte) ([]byte, uint32) {
	buf := append(dst[:0], tagCorrection, SeqD)
	var duration uint32
	for i := 0; i < 4; i++ {
		if v&1 != 0 {
			buf = append(buf, SeqD)
			duration = uint32(8*(len(buf)-1) - 4)
		} else {
			buf = append(buf, SeqE)
			duration = uint32(8 * (len(buf) - 1))
		}
		v >>= 1
	}
	// closed with SeqF like the other tag encoders; the sample carries no
	// modulation and duration leaves it out
	return append(buf, SeqF), duration
}

// EncodeTagBits encodes a frame whose first byte starts at bit offset, as
// a tag answers a partial anticollision frame. The parity of byte 0 is
// still sent.
func EncodeTagBits(dst, cmd []byte, offset int, par []byte) ([]byte, uint32) {
	buf := append(dst[:0], tagCorrection, SeqD)
	duration := uint32(8*(len(buf)-1) - 4)
	for i, b := range cmd {
		start := 0
		if i == 0 {
			start = offset
		}
		for j := start; j < 8; j++ {
			if (b>>uint(j))&1 != 0 {
				buf = append(buf, SeqD)
			} else {
				buf = append(buf, SeqE)
			}
		}
		if par[i>>3]&(0x80>>uint(i&7)) != 0 {
			buf = append(buf, SeqD)
			duration = uint32(8*(len(buf)-1) - 4)
		} else {
			buf = append(buf, SeqE)
			duration = uint32(8 * (len(buf) - 1))
		}
	}
	return append(buf, SeqF), duration
}
