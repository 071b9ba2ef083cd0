// go-iso14a
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-iso14a.
//
// go-iso14a is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-iso14a is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-iso14a; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package testing

import (
	"context"

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// NoisyRadio wraps a Radio and XORs a burst of noise into the samples
// that follow every transmission. XOR lets the same burst read as
// subcarrier on a quiet tag line and as a pause on a reader field.
type NoisyRadio struct {
	iso14a.Radio
	noise  []byte
	offset int
	pos    int
	// Injected counts the samples that were altered.
	Injected int
}

// NewNoisyRadio injects noise starting offset samples after each
// Transmit.
func NewNoisyRadio(inner iso14a.Radio, offset int, noise ...byte) *NoisyRadio {
	return &NoisyRadio{Radio: inner, noise: noise, offset: offset, pos: -1}
}

// Transmit implements iso14a.Radio and arms the next noise burst.
func (n *NoisyRadio) Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error) {
	start, err := n.Radio.Transmit(ctx, mod, at)
	if err == nil {
		n.pos = 0
	}
	return start, err
}

// Sample implements iso14a.Radio.
func (n *NoisyRadio) Sample(ctx context.Context) (byte, uint32, error) {
	b, ts, err := n.Radio.Sample(ctx)
	if err != nil || n.pos < 0 {
		return b, ts, err
	}
	if i := n.pos - n.offset; i >= 0 {
		if i >= len(n.noise) {
			n.pos = -1
			return b, ts, nil
		}
		b ^= n.noise[i]
		n.Injected++
	}
	n.pos++
	return b, ts, nil
}
