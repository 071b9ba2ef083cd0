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

import "context"

// Mode selects what the radio front end is doing with the field.
type Mode uint8

const (
	// ModeOff switches the field off.
	ModeOff Mode = iota
	// ModeReader powers the field and listens for tag load modulation.
	ModeReader
	// ModeTag listens for reader pauses and answers with load modulation.
	ModeTag
	// ModeSniffer listens to both directions without transmitting.
	ModeSniffer
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeReader:
		return "reader"
	case ModeTag:
		return "tag"
	case ModeSniffer:
		return "sniffer"
	default:
		return "unknown"
	}
}

// Radio is the sample-level front end. Implementations exist for a serial
// sample bridge, a full-duplex SPI link and the in-memory field simulator.
//
// Samples are bytes of 8 ticks each, most significant bit first. In reader
// mode a set bit is tag load modulation; in tag mode a set bit is reader
// field present, so a pause reads as 0. In sniffer mode each byte packs a
// reader nibble (high) and a tag nibble (low) of the same 4 ticks.
type Radio interface {
	// SetMode switches the front end and discards queued samples.
	SetMode(mode Mode) error

	// Now returns the current tick. The counter wraps at 2^32.
	Now() uint32

	// Transmit sends a modulation buffer starting at tick at, which must be
	// a multiple of 8. A tick already in the past means "as soon as
	// possible". It returns the tick the first bit went out on.
	Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error)

	// Sample blocks until the next sample is available and returns it with
	// the tick of its first bit.
	Sample(ctx context.Context) (byte, uint32, error)

	// Close releases the underlying device.
	Close() error

	// Type returns the radio type
	Type() RadioType
}

// RadioType represents the kind of front end behind a Radio
type RadioType string

const (
	// RadioUART is a sample bridge on a serial port.
	RadioUART RadioType = "uart"
	// RadioSPI is a full-duplex SPI link.
	RadioSPI RadioType = "spi"
	// RadioMock is the in-memory field simulator used in tests
	RadioMock RadioType = "mock"
)
