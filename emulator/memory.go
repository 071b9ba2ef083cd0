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

// ULPrefixLen is the size of the header that precedes the page data of
// Ultralight family emulator memory.
const ULPrefixLen = 56

// Header field offsets.
const (
	ulVersionOff   = 0
	ulTBOOff       = 8
	ulTBO1Off      = 10
	ulPagesOff     = 11
	ulSignatureOff = 12
	ulCountersOff  = 44
)

// defaultTearing is the CHECK_TEARING_EVENT answer of an untorn counter.
const defaultTearing = 0xBD

var defaultVersion = [8]byte{0x00, 0x04, 0x04, 0x02, 0x01, 0x00, 0x11, 0x03}

// desfireVersion is the first GetVersion frame of a DESFire EV1 4K.
var desfireVersion = []byte{0xAF, 0x04, 0x01, 0x01, 0x01, 0x00, 0x18, 0x05}

// Classic memory sizes in bytes.
const (
	classicMiniSize = 320
	classic1KSize   = 1024
	classic4KSize   = 4096
)

// ULHeader is the metadata stored in front of Ultralight/NTAG pages.
type ULHeader struct {
	Version   [8]byte
	Signature [32]byte
	// Counters holds three 24-bit little-endian counters, each followed
	// by its tearing flag.
	Counters [3][4]byte
	TBO      [2]byte
	TBO1     byte
	// Pages is the index of the last page.
	Pages byte
}

// NewULMemory lays out h and the page data as Ultralight family emulator
// memory.
func NewULMemory(h ULHeader, pages []byte) []byte {
	mem := make([]byte, ULPrefixLen+len(pages))
	copy(mem[ulVersionOff:], h.Version[:])
	copy(mem[ulTBOOff:], h.TBO[:])
	mem[ulTBO1Off] = h.TBO1
	mem[ulPagesOff] = h.Pages
	copy(mem[ulSignatureOff:], h.Signature[:])
	for i, c := range h.Counters {
		copy(mem[ulCountersOff+4*i:], c[:])
	}
	copy(mem[ULPrefixLen:], pages)
	return mem
}

// ParseULHeader reads the header of Ultralight family memory. mem must be
// at least ULPrefixLen bytes.
func ParseULHeader(mem []byte) ULHeader {
	var h ULHeader
	copy(h.Version[:], mem[ulVersionOff:])
	copy(h.TBO[:], mem[ulTBOOff:])
	h.TBO1 = mem[ulTBO1Off]
	h.Pages = mem[ulPagesOff]
	copy(h.Signature[:], mem[ulSignatureOff:ulSignatureOff+32])
	for i := range h.Counters {
		copy(h.Counters[i][:], mem[ulCountersOff+4*i:])
	}
	return h
}

func classicSize(p Profile) int {
	switch p {
	case MifareClassic4K:
		return classic4KSize
	case MifareMini:
		return classicMiniSize
	default:
		return classic1KSize
	}
}

// amiiboPassword derives the PWD_AUTH password an NTAG215 figure uses
// from its 7-byte UID.
func amiiboPassword(uid []byte) [4]byte {
	if len(uid) != 7 {
		return [4]byte{}
	}
	return [4]byte{
		uid[1] ^ uid[3] ^ 0xAA,
		uid[2] ^ uid[4] ^ 0x55,
		uid[3] ^ uid[5] ^ 0xAA,
		uid[4] ^ uid[6] ^ 0x55,
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putLE24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}
