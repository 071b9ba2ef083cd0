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

// Package crypto1 holds the pieces of the MIFARE Classic tag nonce
// generator that the air-interface engine needs: stepping the 16-bit LFSR
// and measuring how far apart two nonces are on its cycle.
package crypto1

import "math/bits"

// PRNGPeriod is the cycle length of the tag nonce LFSR.
const PRNGPeriod = 65535

// DistanceInvalid is returned by NonceDistance when the nonces do not lie
// on the same LFSR cycle within half a period of each other.
const DistanceInvalid = -99999

// maxDistance bounds the search in either direction; together both
// directions cover the whole cycle.
const maxDistance = 32768

// PRNGSuccessor advances nonce x by n LFSR steps. The nonce is the
// big-endian wire value; the register runs on its byte-swapped form.
func PRNGSuccessor(x uint32, n uint32) uint32 {
	x = bits.ReverseBytes32(x)
	for ; n > 0; n-- {
		x = x>>1 | (x>>16^x>>18^x>>19^x>>21)<<31
	}
	return bits.ReverseBytes32(x)
}

// NonceDistance returns the signed number of LFSR steps from nt1 to nt2,
// searching alternately forward from each nonce. Zero means equal.
func NonceDistance(nt1, nt2 uint32) int32 {
	if nt1 == nt2 {
		return 0
	}
	tmp1, tmp2 := nt1, nt2
	for i := int32(1); i < maxDistance; i++ {
		tmp1 = PRNGSuccessor(tmp1, 1)
		if tmp1 == nt2 {
			return i
		}
		tmp2 = PRNGSuccessor(tmp2, 1)
		if tmp2 == nt1 {
			return -i
		}
	}
	return DistanceInvalid
}

// Reflect8 mirrors the bit order of b.
func Reflect8(b byte) byte {
	return bits.Reverse8(b)
}

// SeedNonce derives a nonce that lies on the LFSR cycle from any non-zero
// value by clocking the full 32-bit register through.
func SeedNonce(seed uint32) uint32 {
	if seed == 0 {
		seed = 1
	}
	return PRNGSuccessor(seed, 32)
}
