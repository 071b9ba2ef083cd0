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
	"math/bits"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// Frame buffer limits shared by the decoders, the reader and the emulator.
const (
	MaxFrameSize  = frame.MaxFrameSize
	MaxParitySize = frame.MaxParitySize
)

// OddParity8 returns the bit that makes b plus the bit hold an odd number
// of ones. A zero byte yields 1.
func OddParity8(b byte) byte {
	return byte(^bits.OnesCount8(b)) & 1
}

// ParityLen is the number of parity bytes covering n data bytes.
func ParityLen(n int) int {
	return (n + 7) / 8
}

// GetParity returns the odd parity bits of data packed MSB-first, eight per
// byte, the first data byte's bit in bit 7 of the first parity byte.
func GetParity(data []byte) []byte {
	par := make([]byte, ParityLen(len(data)))
	FillParity(par, data)
	return par
}

// FillParity writes the parity of data into par without allocating and
// returns the number of parity bytes written. par must hold
// ParityLen(len(data)) bytes.
func FillParity(par, data []byte) int {
	n := ParityLen(len(data))
	clear(par[:n])
	for i, b := range data {
		par[i>>3] |= OddParity8(b) << (7 - uint(i&7))
	}
	return n
}

// ParityBit reports the parity bit of data byte i in a packed parity buffer.
func ParityBit(par []byte, i int) byte {
	return (par[i>>3] >> (7 - uint(i&7))) & 1
}

// CheckParity reports whether every parity bit in par matches data.
func CheckParity(data, par []byte) bool {
	if len(par) < ParityLen(len(data)) {
		return false
	}
	for i, b := range data {
		if ParityBit(par, i) != OddParity8(b) {
			return false
		}
	}
	return true
}
