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

// Profile selects the card family an emulator answers as.
type Profile uint8

const (
	MifareClassic1K Profile = iota + 1
	MifareUltralight
	MifareDESFire
	JCOP
	TNP3xxx
	MifareMini
	NTAG215
	MifareClassic4K
	FM11RF005SH
	ST25TA
	EMV
	Seos
	MifareUltralightC
)

type profileInfo struct {
	name string
	ats  []byte // without CRC; nil means the default ATS
	atqa [2]byte
	sak  byte
	// minPages is the lowest highest-page index of Ultralight family
	// memory; 0 for block based cards.
	minPages int
}

var profiles = map[Profile]profileInfo{
	MifareClassic1K:   {name: "MIFARE Classic 1K", atqa: [2]byte{0x04, 0x00}, sak: 0x08},
	MifareUltralight:  {name: "MIFARE Ultralight", atqa: [2]byte{0x44, 0x00}, sak: 0x00, minPages: 15},
	MifareDESFire:     {name: "MIFARE DESFire", atqa: [2]byte{0x44, 0x03}, sak: 0x20, ats: []byte{0x06, 0x75, 0x77, 0x81, 0x02, 0x80}},
	JCOP:              {name: "JCOP", atqa: [2]byte{0x04, 0x00}, sak: 0x28},
	TNP3xxx:           {name: "TNP3xxx", atqa: [2]byte{0x01, 0x0F}, sak: 0x01},
	MifareMini:        {name: "MIFARE Mini", atqa: [2]byte{0x44, 0x00}, sak: 0x09},
	NTAG215:           {name: "NTAG215", atqa: [2]byte{0x44, 0x00}, sak: 0x00, minPages: 19},
	MifareClassic4K:   {name: "MIFARE Classic 4K", atqa: [2]byte{0x02, 0x00}, sak: 0x18},
	FM11RF005SH:       {name: "FM11RF005SH", atqa: [2]byte{0x03, 0x00}, sak: 0x0A},
	ST25TA:            {name: "ST25TA", atqa: [2]byte{0x42, 0x00}, sak: 0x20},
	EMV:               {name: "EMV", atqa: [2]byte{0x04, 0x00}, sak: 0x20, ats: emvATS},
	Seos:              {name: "Seos", atqa: [2]byte{0x01, 0x00}, sak: 0x20},
	MifareUltralightC: {name: "MIFARE Ultralight C", atqa: [2]byte{0x44, 0x00}, sak: 0x00, minPages: 47},
}

var (
	defaultATS = []byte{0x06, 0x75, 0x80, 0x60, 0x02}
	emvATS     = []byte{
		0x13, 0x78, 0x80, 0x72, 0x02, 0x80, 0x31, 0x80, 0x66, 0xB1,
		0x84, 0x0C, 0x01, 0x6E, 0x01, 0x83, 0x00, 0x90, 0x00,
	}
)

// maxATSLen is the ATS buffer size including CRC.
const maxATSLen = 40

func (p Profile) String() string {
	if info, ok := profiles[p]; ok {
		return info.name
	}
	return fmt.Sprintf("Profile(%d)", uint8(p))
}

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	_, ok := profiles[p]
	return ok
}

// Ultralight reports whether p uses page based Ultralight/NTAG memory.
func (p Profile) Ultralight() bool {
	return p == MifareUltralight || p == NTAG215 || p == MifareUltralightC
}

// ParseProfile accepts a profile number or a case sensitive name such as
// "NTAG215".
func ParseProfile(s string) (Profile, error) {
	for p, info := range profiles {
		if s == info.name || s == fmt.Sprint(uint8(p)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown emulator profile %q", s)
}

// Profiles lists the known profiles in numeric order.
func Profiles() []Profile {
	out := make([]Profile, 0, len(profiles))
	for p := MifareClassic1K; p <= MifareUltralightC; p++ {
		out = append(out, p)
	}
	return out
}
