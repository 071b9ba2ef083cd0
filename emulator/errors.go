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

import (
	"errors"
	"fmt"
)

// ErrInit is wrapped by every EmulatorError.
var ErrInit = errors.New("emulator initialisation failed")

// ErrResponseTooLarge is logged when a dynamic response does not fit its
// modulation buffer; the command goes unanswered.
var ErrResponseTooLarge = errors.New("response does not fit modulation buffer")

// InitCode says why an emulator could not be set up. The codes are
// distinct from anything Run returns once the emulator is running.
type InitCode int

const (
	// InitUnknownProfile is a profile number outside 1..13.
	InitUnknownProfile InitCode = iota + 1
	// InitBadUID is a UID that is not 4, 7 or 10 bytes long.
	InitBadUID
	// InitATSOverflow is a user ATS longer than 38 bytes.
	InitATSOverflow
	// InitArenaOverflow means the precompiled responses did not fit the
	// modulation arena.
	InitArenaOverflow
	// InitMemory is emulator memory too small for the profile.
	InitMemory
	// InitAIDConfig is an AID mode setup missing its AID.
	InitAIDConfig
)

func (c InitCode) String() string {
	switch c {
	case InitUnknownProfile:
		return "unknown profile"
	case InitBadUID:
		return "bad UID length"
	case InitATSOverflow:
		return "ATS overflow"
	case InitArenaOverflow:
		return "modulation arena overflow"
	case InitMemory:
		return "emulator memory too small"
	case InitAIDConfig:
		return "AID configuration"
	default:
		return fmt.Sprintf("InitCode(%d)", int(c))
	}
}

// EmulatorError is returned by New when the emulator cannot start. No
// radio traffic happens before it is returned.
type EmulatorError struct {
	Detail string
	Code   InitCode
}

func (e *EmulatorError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("emulator init: %s", e.Code)
	}
	return fmt.Sprintf("emulator init: %s: %s", e.Code, e.Detail)
}

func (*EmulatorError) Unwrap() error { return ErrInit }

func initError(code InitCode, format string, args ...any) *EmulatorError {
	return &EmulatorError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
