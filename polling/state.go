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

package polling

import (
	"encoding/hex"
	"errors"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// CardDetectionState is the presence state of the card in the field.
type CardDetectionState int

const (
	StateIdle CardDetectionState = iota
	StateTagDetected
	StateReading
	StatePostReadGrace
)

func (s CardDetectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTagDetected:
		return "detected"
	case StateReading:
		return "reading"
	case StatePostReadGrace:
		return "post-read grace"
	default:
		return "unknown"
	}
}

// CardState tracks the card in the field.
type CardState struct {
	LastSeenTime   time.Time
	ReadStartTime  time.Time
	RemovalTimer   *time.Timer
	Card           *iso14a.CardInfo
	LastUID        string
	TestedUID      string
	DetectionState CardDetectionState
	Present        bool
}

// ErrNoTagInPoll indicates no card answered during a poll (not an error condition)
var ErrNoTagInPoll = errors.New("no card detected in polling cycle")

// uidString is the map key form of a UID.
func uidString(card *iso14a.CardInfo) string {
	return hex.EncodeToString(card.UID)
}

// safeTimerStop stops a timer and drains its channel if it already fired.
func safeTimerStop(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// TransitionToReading suspends the removal timer while callbacks run.
func (cs *CardState) TransitionToReading() {
	cs.DetectionState = StateReading
	cs.ReadStartTime = time.Now()
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = nil
}

// TransitionToPostReadGrace arms a short removal timer after a first read.
func (cs *CardState) TransitionToPostReadGrace(timeout time.Duration, callback func()) {
	cs.DetectionState = StatePostReadGrace
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = time.AfterFunc(timeout/2, callback)
}

// TransitionToDetected re-arms the normal removal timer.
func (cs *CardState) TransitionToDetected(timeout time.Duration, callback func()) {
	cs.DetectionState = StateTagDetected
	cs.LastSeenTime = time.Now()
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = time.AfterFunc(timeout, callback)
}

// TransitionToIdle forgets the card.
func (cs *CardState) TransitionToIdle() {
	cs.DetectionState = StateIdle
	cs.Present = false
	cs.Card = nil
	cs.LastUID = ""
	cs.TestedUID = ""
	cs.LastSeenTime = time.Time{}
	cs.ReadStartTime = time.Time{}
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = nil
}

// CanStartRemovalTimer returns true if the state allows removal timer to run
func (cs *CardState) CanStartRemovalTimer() bool {
	return cs.DetectionState == StateTagDetected || cs.DetectionState == StatePostReadGrace
}
