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

import "fmt"

// nonceSlots is how many sector/key type combinations are tracked at once.
const nonceSlots = 16

// NoncePair is two authentications a reader ran against the same sector
// and key type: the tag nonce and the reader's encrypted {nr} and {ar}
// each time. Two such triples recover the key offline.
type NoncePair struct {
	CUID    uint32
	Nonce   uint32
	NR      uint32
	AR      uint32
	Nonce2  uint32
	NR2     uint32
	AR2     uint32
	Sector  byte
	KeyType byte
}

func (p NoncePair) String() string {
	return fmt.Sprintf("cuid=%08X sector=%d key=%c nt=%08X nr=%08X ar=%08X nt2=%08X nr2=%08X ar2=%08X",
		p.CUID, p.Sector, 'A'+p.KeyType, p.Nonce, p.NR, p.AR, p.Nonce2, p.NR2, p.AR2)
}

type nonceState uint8

const (
	nonceEmpty nonceState = iota
	nonceFirst
)

type nonceSlot struct {
	pair  NoncePair
	state nonceState
}

// nonceHarvester collects {nt, nr, ar} triples per sector and key type and
// emits a NoncePair once a combination has been seen twice.
type nonceHarvester struct {
	slots [nonceSlots]nonceSlot
}

// add records one authentication. It returns the completed pair, if any.
// When every slot is in use and none matches, slot 0 is overwritten.
func (h *nonceHarvester) add(cuid uint32, sector, keyType byte, nt, nr, ar uint32) (NoncePair, bool) {
	index, empty := -1, -1
	for i := range h.slots {
		s := &h.slots[i]
		switch {
		case s.state == nonceEmpty:
			if empty == -1 {
				empty = i
			}
		case s.pair.Sector == sector && s.pair.KeyType == keyType:
			index = i
		}
	}
	if index == -1 {
		if empty == -1 {
			index = 0
			h.slots[0].state = nonceEmpty
		} else {
			index = empty
		}
	}

	s := &h.slots[index]
	if s.state == nonceEmpty {
		s.pair = NoncePair{CUID: cuid, Sector: sector, KeyType: keyType, Nonce: nt, NR: nr, AR: ar}
		s.state = nonceFirst
		return NoncePair{}, false
	}

	s.pair.Nonce2, s.pair.NR2, s.pair.AR2 = nt, nr, ar
	pair := s.pair
	*s = nonceSlot{}
	return pair, true
}
