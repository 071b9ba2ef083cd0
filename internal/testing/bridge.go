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

package testing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// ErrBridgeCommand is returned from Write for a malformed bridge command.
var ErrBridgeCommand = errors.New("malformed bridge command")

// VirtualBridge speaks the serial sample-bridge protocol on behalf of a
// Radio, usually a Field, so the UART transport can be tested without
// hardware. It is an io.ReadWriter for the host side of the link.
//
// Samples are generated lazily: a Read with nothing pending and the field
// on streams another batch, which keeps the simulated clock in step with
// what the host has consumed.
type VirtualBridge struct {
	radio   iso14a.Radio
	in      []byte
	out     []byte
	pending []byte
	mode    iso14a.Mode

	// Batch is the number of samples per streamed frame, at most 249.
	Batch int
	// Transmissions holds every modulation buffer the bridge clocked out.
	Transmissions [][]byte
	// Garbage is written to the host ahead of each reply, to exercise
	// resynchronisation.
	Garbage []byte
}

// NewVirtualBridge returns a bridge in front of radio.
func NewVirtualBridge(radio iso14a.Radio) *VirtualBridge {
	return &VirtualBridge{radio: radio, Batch: 32}
}

// Write accepts host bytes and executes every complete command in them.
func (b *VirtualBridge) Write(p []byte) (int, error) {
	b.in = append(b.in, p...)
	for {
		tfi, data, n, err := frame.ExtractBridgeFrame(b.in)
		b.in = b.in[n:]
		if errors.Is(err, frame.ErrFrameIncomplete) {
			return len(p), nil
		}
		if err != nil || tfi != frame.HostToBridge || len(data) == 0 {
			continue
		}
		if err := b.handle(data[0], data[1:]); err != nil {
			return len(p), err
		}
	}
}

// Read returns pending replies, streaming a fresh batch of samples when
// there are none.
func (b *VirtualBridge) Read(p []byte) (int, error) {
	if len(b.out) == 0 && b.mode != iso14a.ModeOff {
		if err := b.stream(); err != nil {
			return 0, err
		}
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

func (b *VirtualBridge) handle(cmd byte, p []byte) error {
	switch cmd {
	case frame.BridgeSetMode:
		if len(p) != 1 {
			return fmt.Errorf("%w: set mode % X", ErrBridgeCommand, p)
		}
		mode := iso14a.Mode(p[0])
		if err := b.radio.SetMode(mode); err != nil {
			return err
		}
		b.mode = mode
		b.pending = nil
		b.reply(frame.BridgeModeSet, b.radio.Now())
	case frame.BridgeTxChunk:
		b.pending = append(b.pending, p...)
	case frame.BridgeTransmit:
		if len(p) < 4 {
			return fmt.Errorf("%w: transmit % X", ErrBridgeCommand, p)
		}
		mod := append(b.pending, p[4:]...)
		b.pending = nil
		start, err := b.radio.Transmit(context.Background(), mod, binary.BigEndian.Uint32(p))
		if err != nil {
			return err
		}
		b.Transmissions = append(b.Transmissions, mod)
		b.reply(frame.BridgeTxDone, start)
	default:
		return fmt.Errorf("%w: command %02X", ErrBridgeCommand, cmd)
	}
	return nil
}

func (b *VirtualBridge) reply(event byte, tick uint32) {
	data := []byte{event, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(data[1:], tick)
	b.out = append(b.out, b.Garbage...)
	b.out, _ = frame.EncodeBridgeFrame(b.out, frame.BridgeToHost, data)
}

func (b *VirtualBridge) stream() error {
	data := make([]byte, 5, 5+b.Batch)
	data[0] = frame.BridgeSamples
	for i := 0; i < b.Batch; i++ {
		s, ts, err := b.radio.Sample(context.Background())
		if err != nil {
			return err
		}
		if i == 0 {
			binary.BigEndian.PutUint32(data[1:], ts)
		}
		data = append(data, s)
	}
	var err error
	b.out, err = frame.EncodeBridgeFrame(b.out, frame.BridgeToHost, data)
	return err
}
