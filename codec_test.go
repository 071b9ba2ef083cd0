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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedReader plays reader modulation into a Miller decoder the way a tag
// samples it: idle field, the inverted line code, then idle field again.
func feedReader(t *testing.T, mod []byte, idle int, t0 uint32) *MillerDecoder {
	t.Helper()
	d := NewMillerDecoder(make([]byte, MaxFrameSize), make([]byte, MaxParitySize))
	samples := make([]byte, 0, idle+len(mod)+4)
	for range idle {
		samples = append(samples, 0xFF)
	}
	for _, b := range mod {
		samples = append(samples, ^b)
	}
	samples = append(samples, 0xFF, 0xFF, 0xFF, 0xFF)

	for i, s := range samples {
		ts := t0 + uint32(8*(i-idle))
		if d.Decode(s, ts) {
			return d
		}
	}
	require.FailNow(t, "reader frame not decoded")
	return nil
}

// feedTag plays tag modulation into a Manchester decoder.
func feedTag(t *testing.T, mod []byte, offset, idle int, t0 uint32) *ManchesterDecoder {
	t.Helper()
	d := NewManchesterDecoder(make([]byte, MaxFrameSize), make([]byte, MaxParitySize))
	samples := make([]byte, idle, idle+len(mod)+4)
	samples = append(samples, mod...)
	samples = append(samples, 0, 0, 0, 0)

	for i, s := range samples {
		ts := t0 + uint32(8*(i-idle))
		if d.Decode(s, offset, ts) {
			return d
		}
	}
	require.FailNow(t, "tag frame not decoded")
	return nil
}

func TestEncodeReaderBits_ShortFrame(t *testing.T) {
	t.Parallel()

	mod, duration := EncodeReaderBits(nil, []byte{0x26}, 7, nil)
	assert.Equal(t, []byte{SeqZ, SeqZ, SeqX, SeqX, SeqY, SeqZ, SeqX, SeqY, SeqZ, SeqY}, mod)
	assert.Equal(t, uint32(66), duration)

	d := feedReader(t, mod, 4, 1000)
	assert.Equal(t, []byte{0x26}, d.Data())
	assert.Equal(t, 7, d.BitCount())
	assert.Equal(t, 7, d.Bits())
	assert.Equal(t, uint32(1000), d.StartTime())
	assert.Equal(t, uint32(1000)+duration, d.EndTime())
}

func TestMillerRoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1)) //nolint:gosec // deterministic test data

	for bits := 1; bits <= 40; bits++ {
		for trial := 0; trial < 8; trial++ {
			data := make([]byte, (bits+7)/8)
			for i := range data {
				data[i] = byte(rng.Intn(256))
			}
			if bits%8 != 0 {
				data[len(data)-1] &= byte(1)<<uint(bits%8) - 1
			}
			var par []byte
			if full := bits / 8; full > 0 {
				par = GetParity(data[:full])
			}

			mod, _ := EncodeReaderBits(nil, data, bits, par)
			d := feedReader(t, mod, 2+rng.Intn(30), 5000)

			require.Equal(t, data, d.Data(), "bits=%d", bits)
			require.Equal(t, bits, d.Bits(), "bits=%d", bits)
			for i := 0; i < bits/8; i++ {
				require.Equal(t, ParityBit(par, i), ParityBit(d.Parity(), i), "bits=%d byte=%d", bits, i)
			}
		}
	}
}

func TestMillerSyncIndependentOfIdleLength(t *testing.T) {
	t.Parallel()
	cmd := []byte{0x93, 0x20}
	mod, duration := EncodeReader(nil, cmd, GetParity(cmd))

	for _, idle := range []int{2, 3, 10, 100, 1000} {
		d := feedReader(t, mod, idle, 1000)
		assert.Equal(t, cmd, d.Data(), "idle=%d", idle)
		assert.Equal(t, []byte{0x80}, d.Parity(), "idle=%d", idle)
		assert.Equal(t, uint32(1000), d.StartTime(), "idle=%d", idle)
		assert.Equal(t, uint32(1000)+duration, d.EndTime(), "idle=%d", idle)
	}
}

func TestDelayModulation_ShiftsStartTime(t *testing.T) {
	t.Parallel()
	cmd := []byte{0x93, 0x20}
	base, _ := EncodeReader(nil, cmd, GetParity(cmd))

	for delay := uint32(0); delay < 8; delay++ {
		mod := DelayModulation(append([]byte(nil), base...), delay)
		if delay == 0 {
			assert.Len(t, mod, len(base))
		} else {
			assert.Len(t, mod, len(base)+1)
		}
		d := feedReader(t, mod, 3, 2000)
		assert.Equal(t, cmd, d.Data())
		assert.Equal(t, 2000+delay, d.StartTime())
	}
}

func TestMillerDecoder_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []byte
	}{
		{
			// pause in both halves right after the start pause
			name:    "both halves",
			samples: []byte{0xFF, 0xFF, ^SeqZ, ^byte(0xCC), 0xFF, 0xFF, 0xFF},
		},
		{
			// no pause directly after start of communication
			name:    "Y after start",
			samples: []byte{0xFF, 0xFF, ^SeqZ, 0xFF, 0xFF, 0xFF, 0xFF},
		},
		{
			// Z directly after X is not a valid Miller sequence
			name:    "Z after X",
			samples: []byte{0xFF, 0xFF, ^SeqZ, ^SeqX, ^SeqZ, 0xFF, 0xFF, 0xFF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewMillerDecoder(make([]byte, 16), make([]byte, 2))
			for i, s := range tt.samples {
				assert.False(t, d.Decode(s, uint32(8*i)), "sample %d", i)
			}
			assert.Zero(t, d.Len())
			assert.False(t, d.Synced())
		})
	}
}

func TestMillerDecoder_FullBuffer(t *testing.T) {
	t.Parallel()
	cmd := []byte{1, 2, 3, 4}
	mod, _ := EncodeReader(nil, cmd, GetParity(cmd))

	d := NewMillerDecoder(make([]byte, 2), make([]byte, 1))
	samples := append([]byte{0xFF, 0xFF}, mod...)
	for i := 2; i < len(samples); i++ {
		samples[i] = ^samples[i]
	}
	done := false
	for i, s := range samples {
		if d.Decode(s, uint32(8*i)) {
			done = true
			break
		}
	}
	require.True(t, done)
	assert.Equal(t, []byte{1, 2}, d.Data())
}

func TestEncodeTag_Duration(t *testing.T) {
	t.Parallel()
	cmd := []byte{0x04, 0x00}
	mod, duration := EncodeTagFrame(nil, cmd)
	assert.Len(t, mod, 21)
	assert.Equal(t, byte(0x08), mod[0])
	assert.Equal(t, SeqD, mod[1])
	assert.Equal(t, SeqF, mod[len(mod)-1])
	assert.Equal(t, uint32(148), duration)

	d := feedTag(t, mod, 0, 4, 1000)
	assert.Equal(t, cmd, d.Data())
	assert.Equal(t, []byte{0x40}, d.Parity())
	assert.Equal(t, NoCollision, d.CollisionPos())
	assert.Equal(t, uint32(1008), d.StartTime())
	assert.Equal(t, d.StartTime()+duration, d.EndTime())
}

func TestManchesterRoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2)) //nolint:gosec // deterministic test data

	for n := 1; n <= 20; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(rng.Intn(256))
		}
		mod, _ := EncodeTagFrame(nil, data)
		d := feedTag(t, mod, 0, 3+rng.Intn(40), 0)
		require.Equal(t, data, d.Data(), "n=%d", n)
		require.Equal(t, GetParity(data), d.Parity(), "n=%d", n)
	}
}

func TestManchesterNeedsQuietLine(t *testing.T) {
	t.Parallel()
	mod, _ := EncodeTagFrame(nil, []byte{0x12, 0x34})

	// two idle samples are not enough to see a quiet line before the start bit
	d := NewManchesterDecoder(make([]byte, 8), make([]byte, 2))
	samples := append([]byte{0, 0}, mod...)
	for i, s := range append(samples, 0, 0, 0) {
		assert.False(t, d.Decode(s, 0, uint32(8*i)))
	}
}

func TestManchesterCollisionPosition(t *testing.T) {
	t.Parallel()
	a := []byte{0x11, 0x22, 0x33, 0x44, 0x44}
	b := []byte{0x11, 0x22, 0x31, 0x44, 0x46}
	modA, _ := EncodeTagFrame(nil, a)
	modB, _ := EncodeTagFrame(nil, b)
	require.Len(t, modB, len(modA))
	mix := make([]byte, len(modA))
	for i := range mix {
		mix[i] = modA[i] | modB[i]
	}

	d := feedTag(t, mix, 0, 5, 0)
	assert.Equal(t, 17, d.CollisionPos())
	assert.Len(t, d.Data(), 5)
	// a collided bit reads as 1
	assert.Equal(t, byte(0x33), d.Data()[2])
}

func TestManchesterOffset(t *testing.T) {
	t.Parallel()
	full := []byte{0x11, 0x22, 0x33, 0x44, 0x44}

	for known := 1; known < 40; known++ {
		offset := known % 8
		rest := full[known/8:]
		mod, _ := EncodeTagBits(nil, rest, offset, GetParity(rest))
		d := feedTag(t, mod, offset, 4, 0)

		require.Len(t, d.Data(), len(rest), "known=%d", known)
		mask := byte(1)<<uint(offset) - 1
		assert.Equal(t, rest[0]&^mask, d.Data()[0], "known=%d", known)
		assert.Equal(t, rest[1:], d.Data()[1:], "known=%d", known)
	}
}

func TestEncodeTag4Bit(t *testing.T) {
	t.Parallel()
	mod, duration := EncodeTag4Bit(nil, 0x0A)
	assert.Equal(t, []byte{0x08, SeqD, SeqE, SeqD, SeqE, SeqD, SeqF}, mod)
	assert.Equal(t, uint32(8*5-4), duration)

	d := feedTag(t, mod, 0, 3, 0)
	assert.Equal(t, []byte{0x0A}, d.Data())
	assert.Equal(t, 4, d.BitCount())
}

func TestEncodeTag_CollisionMode(t *testing.T) {
	t.Parallel()
	mod, duration := EncodeTag(nil, []byte{0x00}, []byte{0x00}, true)
	for _, b := range mod[2:11] {
		assert.Equal(t, SeqCollision, b)
	}
	assert.Equal(t, uint32(8*10), duration)

	d := feedTag(t, mod, 0, 3, 0)
	assert.Equal(t, 0, d.CollisionPos())
	assert.Equal(t, []byte{0xFF}, d.Data())
}

func TestThinfilmDecode(t *testing.T) {
	t.Parallel()
	// Thinfilm tags send bits MSB first and the start bit is data bit 7
	data := []byte{0xB5, 0x3C}
	mod := []byte{0x08}
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			if b>>uint(i)&1 != 0 {
				mod = append(mod, SeqD)
			} else {
				mod = append(mod, SeqE)
			}
		}
	}
	mod = append(mod, SeqF)

	d := NewManchesterDecoder(make([]byte, 8), nil)
	samples := append([]byte{0, 0, 0}, mod...)
	samples = append(samples, 0, 0)
	done := false
	for i, s := range samples {
		if d.DecodeThinfilm(s, uint32(8*i)) {
			done = true
			break
		}
	}
	require.True(t, done)
	assert.Equal(t, data, d.Data())
	assert.Empty(t, d.Parity())
}
