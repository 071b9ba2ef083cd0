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

package attack

import (
	"context"
	"encoding/binary"
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/crypto1"
)

// NACKStatus is the outcome of DetectNACKBug.
type NACKStatus int

const (
	// NACKNone means the card never answered a wrong {nr}{ar}.
	NACKNone NACKStatus = 0
	// NACKBug means exactly one parity combination drew a NACK: the card
	// leaks keystream.
	NACKBug NACKStatus = 1
	// NACKAlways means the card NACKs regardless of parity.
	NACKAlways NACKStatus = 2
	// NACKSyncOverflow means the calibrated period ran away.
	NACKSyncOverflow NACKStatus = 96
	// NACKSyncFrequency means calibration never locked.
	NACKSyncFrequency NACKStatus = 97
	// NACKUnpredictable means the nonces do not follow the PRNG.
	NACKUnpredictable NACKStatus = 98
)

func (s NACKStatus) String() string {
	switch s {
	case NACKNone:
		return "no NACK bug"
	case NACKBug:
		return "NACK bug present"
	case NACKAlways:
		return "always NACKs"
	case NACKSyncOverflow:
		return "PRNG period out of range"
	case NACKSyncFrequency:
		return "PRNG frequency mismatch"
	case NACKUnpredictable:
		return "unpredictable nonces"
	default:
		return fmt.Sprintf("NACKStatus(%d)", int(s))
	}
}

// detectAuth is AUTH(key A, block 0) with its CRC.
var detectAuth = []byte{0x60, 0x00, 0xF5, 0x7B}

// DetectResult is what DetectNACKBug observed.
type DetectResult struct {
	Status NACKStatus
	// NACKs is the number of encrypted NACKs received.
	NACKs int
	// Auths is the iteration count the run ended on.
	Auths int
}

// DetectNACKBug checks whether the card answers a wrong {nr}{ar} with a
// NACK when only the parity bits are right. It walks all 256 parity
// combinations for one tag nonce. One NACK is the bug; a NACK to every
// attempt is a card that NACKs unconditionally.
func (a *Attacker) DetectNACKBug(ctx context.Context) (*DetectResult, error) {
	r := a.reader
	if err := r.FieldOn(); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.FieldOff(); err != nil {
			iso14a.Debugf("nackbug: field off: %v", err)
		}
	}()

	res := &DetectResult{}
	sched := prngSync{time: r.Radio().Now() &^ 7}
	cycles := int32(nominalCycles)
	var (
		nrAr       [8]byte
		par        byte
		nt, prevNT uint32
		attacked   uint32
		uid        []byte
		unexpected int
		syncTries  int
		resp       [iso14a.MaxFrameSize]byte
		respPar    [iso14a.MaxParitySize]byte
	)
	fail := func(err error, i int) (*DetectResult, error) {
		res.Auths = i
		if ctx.Err() != nil {
			return res, err
		}
		return nil, fmt.Errorf("nackbug: %w", err)
	}

	// i counts attempts from 1 and restarts when the card is lost.
	i := 1
	for loops := 0; ; loops++ {
		if a.limitReached(loops) {
			res.Auths = i
			return res, ErrIterationLimit
		}
		if loops > 0 && loops%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				res.Auths = i
				return res, err
			}
		}
		if i == 10 && res.NACKs == i-1 {
			res.Status = NACKAlways
			break
		}

		if uid == nil {
			status, card, err := r.Select(ctx, iso14a.SelectOptions{NoRATS: true})
			if err != nil {
				return fail(err, i)
			}
			if status != iso14a.SelectOK && status != iso14a.SelectNoISO14443_4 {
				i = 1
				continue
			}
			uid = card.UID
		} else {
			ok, err := r.FastSelect(ctx, uid)
			if err != nil {
				return fail(err, i)
			}
			if !ok {
				uid = nil
				i = 1
				continue
			}
		}

		at := sched.next(cycles, r.Radio().Now(), 0)
		if err := r.Transmit(ctx, detectAuth, &at); err != nil {
			return fail(err, i)
		}
		n, err := r.Receive(ctx, resp[:], respPar[:])
		if err != nil {
			return fail(err, i)
		}
		if n != 4 {
			i++
			continue
		}
		prevNT = nt
		nt = binary.BigEndian.Uint32(resp[:4])

		if err := r.TransmitPar(ctx, nrAr[:], []byte{par}, nil); err != nil {
			return fail(err, i)
		}
		n, err = r.Receive(ctx, resp[:], respPar[:])
		if err != nil {
			return fail(err, i)
		}
		nack := n > 0
		if nack {
			res.NACKs++
			// every attempt so far drew a NACK
			if i == res.NACKs {
				i++
				continue
			}
		}

		if prevNT != 0 && attacked == 0 {
			d := crypto1.NonceDistance(prevNT, nt)
			switch {
			case d == 0:
				attacked = nt
			case d == crypto1.DistanceInvalid:
				unexpected++
				if unexpected > maxUnexpectedRandom {
					res.Status = NACKUnpredictable
					res.Auths = i
					return res, nil
				}
				i++
				continue
			default:
				syncTries++
				if syncTries > maxSyncTries {
					res.Status = NACKSyncFrequency
					res.Auths = i
					return res, nil
				}
				cycles = (cycles - d) / sched.elapsed
				if cycles <= 0 {
					cycles += nominalCycles
				}
				if cycles > 2*nominalCycles {
					res.Status = NACKSyncOverflow
					res.Auths = i
					return res, nil
				}
				i++
				continue
			}
		}

		if attacked != 0 && nt != attacked {
			sched.resync(&cycles, attacked, nt)
			i++
			continue
		}

		if nack {
			sched.catchUp = nackLag
		}
		par++
		if par == 0 {
			if res.NACKs == 1 {
				res.Status = NACKBug
			}
			break
		}
		sched.resyncs = 0
		i++
	}
	res.Auths = i
	iso14a.Debugf("nackbug: %s after %d attempts, %d NACKs", res.Status, res.Auths, res.NACKs)
	return res, nil
}
