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

// Package spi provides a Radio over a full-duplex SPI link to a front end
// that shifts modulation out and demodulator samples in on the same clock.
//
// The SPI clock runs at the tick rate, so every byte on the bus is one
// sample of 8 ticks and the tick counter is the number of bytes clocked.
// The front end mode is selected with two optional GPIO lines.
package spi

import (
	"context"
	"fmt"
	"sync"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// ClockFrequency is fc/16, one bit per tick.
	ClockFrequency = 847500 * physic.Hertz

	defaultMaxTx = 4096

	// defaultBurst is how many samples one idle transfer collects.
	defaultBurst = 64
)

// Option configures a Radio.
type Option func(*Radio) error

// WithModePins names the two GPIO lines that select the front end mode,
// low bit first.
func WithModePins(bit0, bit1 string) Option {
	return func(r *Radio) error {
		for i, name := range []string{bit0, bit1} {
			p := gpioreg.ByName(name)
			if p == nil {
				return fmt.Errorf("mode pin %q not found", name)
			}
			r.modePins[i] = p
		}
		return nil
	}
}

// WithBurst sets the number of samples fetched per idle transfer.
func WithBurst(n int) Option {
	return func(r *Radio) error {
		if n <= 0 {
			return fmt.Errorf("burst must be positive, got %d", n)
		}
		r.burst = n
		return nil
	}
}

// Radio implements iso14a.Radio over SPI.
type Radio struct {
	port     spi.PortCloser
	conn     spi.Conn
	portName string
	modePins [2]gpio.PinOut

	mu     sync.Mutex
	tx     []byte
	rx     []byte
	queue  []byte
	queued uint32 // tick of queue[0]
	tick   uint32 // tick of the next byte on the bus
	maxTx  int
	burst  int
	mode   iso14a.Mode
	closed bool
}

// New opens the SPI port and leaves the field off.
func New(portName string, opts ...Option) (*Radio, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}

	c, err := port.Connect(ClockFrequency, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	r, err := newRadio(c, portName, opts...)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	r.port = port
	if err := r.SetMode(iso14a.ModeOff); err != nil {
		_ = port.Close()
		return nil, err
	}
	return r, nil
}

func newRadio(c spi.Conn, portName string, opts ...Option) (*Radio, error) {
	r := &Radio{
		conn:     c,
		portName: portName,
		maxTx:    defaultMaxTx,
		burst:    defaultBurst,
	}
	if lim, ok := c.(conn.Limits); ok && lim.MaxTxSize() > 0 {
		r.maxTx = lim.MaxTxSize()
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.tx = make([]byte, r.maxTx)
	r.rx = make([]byte, r.maxTx)
	return r, nil
}

// SetMode implements iso14a.Radio.
func (r *Radio) SetMode(mode iso14a.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return iso14a.NewRadioClosedError("set mode", r.portName)
	}

	for i, p := range r.modePins {
		if p == nil {
			continue
		}
		if err := p.Out(gpio.Level(mode&(1<<i) != 0)); err != nil {
			return iso14a.NewRadioError("set mode", r.portName, err, iso14a.ErrorTypeTransient)
		}
	}
	r.mode = mode
	r.queue = r.queue[:0]
	return nil
}

// Now implements iso14a.Radio.
func (r *Radio) Now() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// Transmit implements iso14a.Radio. The bus idles with zero bytes up to
// at; samples clocked in meanwhile are dropped.
func (r *Radio) Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, iso14a.NewRadioClosedError("transmit", r.portName)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.queue = r.queue[:0]
	if d := int32(at - r.tick); d > 0 {
		if err := r.idle(ctx, (int(d)+7)/8); err != nil {
			return 0, err
		}
	}
	start := r.tick
	for rest := mod; len(rest) > 0; {
		n := copy(r.tx, rest)
		if err := r.xfer(r.tx[:n]); err != nil {
			return 0, err
		}
		rest = rest[n:]
	}
	return start, nil
}

// idle clocks n zero bytes, discarding what comes back.
func (r *Radio) idle(ctx context.Context, n int) error {
	clear(r.tx)
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := min(n, len(r.tx))
		if err := r.xfer(r.tx[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// Sample implements iso14a.Radio.
func (r *Radio) Sample(ctx context.Context) (byte, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		if r.closed {
			return 0, 0, iso14a.NewRadioClosedError("sample", r.portName)
		}
		if r.mode == iso14a.ModeOff {
			return 0, 0, iso14a.NewRadioError("sample", r.portName, iso14a.ErrRadioNotReady, iso14a.ErrorTypePermanent)
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		n := min(r.burst, len(r.tx))
		clear(r.tx[:n])
		r.queued = r.tick
		if err := r.xfer(r.tx[:n]); err != nil {
			return 0, 0, err
		}
		r.queue = append(r.queue[:0], r.rx[:n]...)
	}

	b, ts := r.queue[0], r.queued
	r.queue = r.queue[1:]
	r.queued += 8
	return b, ts, nil
}

func (r *Radio) xfer(w []byte) error {
	if err := r.conn.Tx(w, r.rx[:len(w)]); err != nil {
		return iso14a.NewRadioError("transfer", r.portName, err, iso14a.ErrorTypeTransient)
	}
	r.tick += uint32(8 * len(w))
	return nil
}

// Close drops the mode lines and closes the port.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, p := range r.modePins {
		if p != nil {
			_ = p.Out(gpio.Low)
		}
	}
	if r.port != nil {
		if err := r.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

// Type implements iso14a.Radio.
func (*Radio) Type() iso14a.RadioType {
	return iso14a.RadioSPI
}

// String returns the port name and the bus connection.
func (r *Radio) String() string {
	return fmt.Sprintf("%s (%s)", r.portName, r.conn)
}

var _ iso14a.Radio = (*Radio)(nil)
