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
	"context"
	"fmt"
)

// readerModulationLen covers a full frame: one line-code byte per data
// and parity bit, start and end of communication, and the spare byte
// DelayModulation may add.
const readerModulationLen = MaxFrameSize*9 + 8

// receiveGuardMs is added to the receive timeout as a wall-clock backstop
// for radios that stop delivering samples.
const receiveGuardMs = 100

// ctxCheckInterval is how many samples a blocking loop consumes between
// context checks.
const ctxCheckInterval = 1000

// Reader drives a Radio as an ISO14443-A proximity coupling device. It
// schedules frames against the radio's tick clock, honouring the request
// guard time and the PICC to PCD frame delay.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	radio  Radio
	config *ConfigStore
	tracer Tracer

	demod ManchesterDecoder

	// timeout is stored with the electrical round trip added.
	timeout          uint32
	nextTransferTime uint32
	lastTxStart      uint32
	lastTxDuration   uint32

	blockNum byte
	card     CardInfo

	mod   [readerModulationLen]byte
	rxBuf [MaxFrameSize]byte
	rxPar [MaxParitySize]byte
	txPar [MaxParitySize]byte
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithConfigStore shares a configuration store between readers. Without
// it a Reader gets a private store with default settings.
func WithConfigStore(store *ConfigStore) ReaderOption {
	return func(r *Reader) {
		r.config = store
	}
}

// WithTracer sends every transmitted and received frame to t.
func WithTracer(t Tracer) ReaderOption {
	return func(r *Reader) {
		r.tracer = t
	}
}

// NewReader wraps radio. The field stays off until FieldOn.
func NewReader(radio Radio, opts ...ReaderOption) *Reader {
	r := &Reader{radio: radio, tracer: NopTracer{}}
	for _, opt := range opts {
		opt(r)
	}
	if r.config == nil {
		r.config = NewConfigStore()
	}
	r.reset()
	return r
}

func (r *Reader) reset() {
	r.timeout = TimeoutToInternal(DefaultTimeout)
	r.nextTransferTime = 2 * DelayArm2AirAsReader
	r.blockNum = 0
}

// Radio returns the underlying radio.
func (r *Reader) Radio() Radio { return r.radio }

// Config returns the configuration store consulted by Select.
func (r *Reader) Config() *ConfigStore { return r.config }

// FieldOn powers the field in reader mode and restores the default
// timeout and frame scheduling.
func (r *Reader) FieldOn() error {
	if err := r.radio.SetMode(ModeReader); err != nil {
		return fmt.Errorf("field on: %w", err)
	}
	r.reset()
	return nil
}

// FieldOff switches the field off. Cards lose power and their state.
func (r *Reader) FieldOff() error {
	if err := r.radio.SetMode(ModeOff); err != nil {
		return fmt.Errorf("field off: %w", err)
	}
	return nil
}

// SetTimeout sets the receive timeout in samples (8 ticks each), capped at
// MaxTimeout.
func (r *Reader) SetTimeout(samples uint32) {
	r.timeout = TimeoutToInternal(min(samples, MaxTimeout))
}

// Timeout returns the receive timeout in samples.
func (r *Reader) Timeout() uint32 {
	return TimeoutFromInternal(r.timeout)
}

// SetTimeoutMs sets the receive timeout in milliseconds.
func (r *Reader) SetTimeoutMs(ms uint32) {
	r.SetTimeout(MsToTimeout(ms))
}

// NextTransferTime is the earliest tick the next unscheduled frame may
// start on.
func (r *Reader) NextTransferTime() uint32 { return r.nextTransferTime }

// delayNextTransfer pushes the next unscheduled frame to at least tick t.
func (r *Reader) delayNextTransfer(t uint32) {
	r.nextTransferTime = laterTick(r.nextTransferTime, t)
}

// LastTransmit returns the start tick and air time of the last frame sent.
func (r *Reader) LastTransmit() (start, duration uint32) {
	return r.lastTxStart, r.lastTxDuration
}

// TransmitBitsPar sends the first bits of frame. par holds one parity bit
// per complete byte; pass nil for short frames.
//
// With timing nil the frame goes out on the first sample boundary after
// NextTransferTime. If *timing is 0 it goes out on the next sample
// boundary and *timing receives that tick. Otherwise it starts exactly on
// tick *timing, including the sub-sample part.
func (r *Reader) TransmitBitsPar(ctx context.Context, frame []byte, bits int, par []byte, timing *uint32) error {
	if bits <= 0 || (bits+7)/8 > len(frame) || (bits+7)/8 > MaxFrameSize {
		return fmt.Errorf("%w: %d bits from %d bytes", ErrInvalidParameter, bits, len(frame))
	}

	mod, duration := EncodeReaderBits(r.mod[:0], frame, bits, par)

	var at uint32
	switch {
	case timing == nil:
		at = (laterTick(r.nextTransferTime, r.radio.Now()) &^ 7) + 8
		r.lastTxStart = at
	case *timing == 0:
		*timing = (r.radio.Now() + 8) &^ 7
		at = *timing
		r.lastTxStart = at
	default:
		mod = DelayModulation(mod, *timing&7)
		at = *timing &^ 7
		r.lastTxStart = *timing
	}

	if _, err := r.radio.Transmit(ctx, mod, at); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	r.lastTxDuration = duration
	r.delayNextTransfer(r.lastTxStart + RequestGuardTime)

	nbytes := (bits + 7) / 8
	f := TraceFrame{
		Data:      frame[:nbytes],
		Start:     r.lastTxStart<<4 + DelayArm2AirAsReader,
		End:       (r.lastTxStart+duration)<<4 + DelayArm2AirAsReader,
		Direction: TraceReader,
	}
	if par != nil {
		f.Parity = par[:min(len(par), ParityLen(nbytes))]
	}
	r.tracer.LogFrame(f)
	return nil
}

// TransmitPar sends whole bytes with the given parity bits.
func (r *Reader) TransmitPar(ctx context.Context, frame, par []byte, timing *uint32) error {
	return r.TransmitBitsPar(ctx, frame, len(frame)*8, par, timing)
}

// TransmitBits sends the first bits of frame with odd parity on every
// complete byte.
func (r *Reader) TransmitBits(ctx context.Context, frame []byte, bits int, timing *uint32) error {
	FillParity(r.txPar[:], frame[:min(len(frame), bits/8)])
	return r.TransmitBitsPar(ctx, frame, bits, r.txPar[:], timing)
}

// Transmit sends whole bytes with odd parity.
func (r *Reader) Transmit(ctx context.Context, frame []byte, timing *uint32) error {
	FillParity(r.txPar[:], frame)
	return r.TransmitBitsPar(ctx, frame, len(frame)*8, r.txPar[:], timing)
}

// Receive waits for a tag answer, decoding into buf and par (par may be
// nil). It returns the decoded length; 0 means nothing arrived before the
// timeout, which is not an error.
func (r *Reader) Receive(ctx context.Context, buf, par []byte) (int, error) {
	return r.ReceiveOffset(ctx, buf, par, 0)
}

// ReceiveOffset is Receive for an answer that resumes at bit offset of
// its first byte, as after a split anticollision frame.
func (r *Reader) ReceiveOffset(ctx context.Context, buf, par []byte, offset int) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", ErrInvalidParameter)
	}
	if par == nil {
		par = r.rxPar[:]
	}
	r.demod.Init(buf, par)

	ok, err := r.receive(ctx, func(sample byte, ts uint32) bool {
		return r.demod.Decode(sample, offset, ts)
	}, true)
	if err != nil || !ok {
		return 0, err
	}

	r.delayNextTransfer(r.demod.EndTime() - roundTripTicks + FrameDelayTimePICCToPCD)
	r.traceAnswer(r.demod.Parity())
	return r.demod.Len(), nil
}

// ReceiveThinfilm waits for a Thinfilm (Kovio) barcode answer. These tags
// talk first and send neither start bit nor parity. A frame cut short by
// the timeout is returned as received.
func (r *Reader) ReceiveThinfilm(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", ErrInvalidParameter)
	}
	r.demod.Init(buf, nil)

	if _, err := r.receive(ctx, func(sample byte, ts uint32) bool {
		return r.demod.DecodeThinfilm(sample, ts)
	}, false); err != nil {
		return 0, err
	}

	r.traceAnswer(nil)
	return r.demod.Len(), nil
}

// receive feeds samples to decode until it reports a frame. With
// countSamples the timeout is counted in samples while the line is
// unsynced, as the hardware does; the tick deadline applies either way.
func (r *Reader) receive(ctx context.Context, decode func(byte, uint32) bool, countSamples bool) (bool, error) {
	timeout := r.Timeout()
	deadline := r.radio.Now() + timeout*TicksPerSample + MsToTicks(receiveGuardMs)

	var c uint32
	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}

		sample, ts, err := r.radio.Sample(ctx)
		if err != nil {
			return false, fmt.Errorf("receive: %w", err)
		}
		if decode(sample, ts) {
			return true, nil
		}
		if countSamples {
			if c > timeout && !r.demod.Synced() {
				return false, nil
			}
			c++
		}
		if int32(ts-deadline) > 0 {
			return false, nil
		}
	}
}

func (r *Reader) traceAnswer(par []byte) {
	r.tracer.LogFrame(TraceFrame{
		Data:      r.demod.Data(),
		Parity:    par,
		Start:     r.demod.StartTime()*TraceTicks - DelayAir2ArmAsReader,
		End:       r.demod.EndTime()*TraceTicks - DelayAir2ArmAsReader,
		Direction: TraceTag,
	})
}

// CollisionPos is the first collided bit of the last answer, or
// NoCollision.
func (r *Reader) CollisionPos() int { return r.demod.CollisionPos() }

// LastAnswerEnd is the tick at which the last decoded answer ended.
func (r *Reader) LastAnswerEnd() uint32 { return r.demod.EndTime() }
