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
	"testing"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/crypto1"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendBits transmits a reader frame into f and decodes whatever the cards
// answer within 64 samples.
func sendBits(t *testing.T, f *Field, data []byte, bits int) *iso14a.ManchesterDecoder {
	t.Helper()
	ctx := context.Background()

	var par []byte
	if bits >= 8 {
		par = iso14a.GetParity(data[:bits/8])
	}
	mod, _ := iso14a.EncodeReaderBits(nil, data, bits, par)
	_, err := f.Transmit(ctx, mod, 0)
	require.NoError(t, err)

	d := iso14a.NewManchesterDecoder(make([]byte, iso14a.MaxFrameSize), make([]byte, iso14a.MaxParitySize))
	for range 64 {
		b, ts, err := f.Sample(ctx)
		require.NoError(t, err)
		if d.Decode(b, 0, ts) {
			return d
		}
	}
	return nil
}

func send(t *testing.T, f *Field, data []byte) *iso14a.ManchesterDecoder {
	t.Helper()
	return sendBits(t, f, data, len(data)*8)
}

func TestField_TransmitRequiresReaderMode(t *testing.T) {
	t.Parallel()

	f := NewField(NewVirtualCard([]byte{1, 2, 3, 4}))
	_, err := f.Transmit(context.Background(), []byte{0xC0}, 0)
	require.ErrorIs(t, err, ErrFieldOff)
}

func TestField_REQAAnsweredWithATQA(t *testing.T) {
	t.Parallel()

	f := NewField(NewVirtualCard([]byte{1, 2, 3, 4}))
	require.NoError(t, f.SetMode(iso14a.ModeReader))

	d := sendBits(t, f, []byte{frame.CmdREQA}, 7)
	require.NotNil(t, d)
	assert.Equal(t, []byte{0x04, 0x00}, d.Data())
	assert.Equal(t, iso14a.NoCollision, d.CollisionPos())

	require.Len(t, f.ReaderFrames(), 1)
	assert.Equal(t, 7, f.ReaderFrames()[0].Bits)
	assert.Equal(t, []byte{frame.CmdREQA}, f.ReaderFrames()[0].Data)
}

func TestField_ClockAdvancesPerSample(t *testing.T) {
	t.Parallel()

	f := NewField()
	require.NoError(t, f.SetMode(iso14a.ModeReader))
	f.Advance(100)

	b, ts, err := f.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0), b)
	assert.Equal(t, uint32(100), ts)
	assert.Equal(t, uint32(108), f.Now())
}

func TestField_TransmitSchedulesOnSampleBoundary(t *testing.T) {
	t.Parallel()

	f := NewField()
	require.NoError(t, f.SetMode(iso14a.ModeReader))

	mod, _ := iso14a.EncodeReaderBits(nil, []byte{frame.CmdREQA}, 7, nil)
	start, err := f.Transmit(context.Background(), mod, 1003)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), start)
	assert.Equal(t, uint32(1000+8*len(mod)), f.Now())
}

func TestField_AnticollisionCollides(t *testing.T) {
	t.Parallel()

	f := NewField(
		NewVirtualCard([]byte{0x11, 0x22, 0x33, 0x44}),
		NewVirtualCard([]byte{0x11, 0x23, 0x33, 0x44}),
	)
	require.NoError(t, f.SetMode(iso14a.ModeReader))

	require.NotNil(t, sendBits(t, f, []byte{frame.CmdREQA}, 7))
	d := send(t, f, []byte{frame.CmdSelectCL1, frame.NVBSelectAll})
	require.NotNil(t, d)
	// 0x22 and 0x23 first differ in bit 0 of byte 1
	assert.Equal(t, 8, d.CollisionPos())
}

func TestField_PowerOffResetsCards(t *testing.T) {
	t.Parallel()

	card := NewVirtualCard([]byte{1, 2, 3, 4})
	f := NewField(card)
	require.NoError(t, f.SetMode(iso14a.ModeReader))

	require.NotNil(t, sendBits(t, f, []byte{frame.CmdREQA}, 7))
	require.NoError(t, f.SetMode(iso14a.ModeOff))
	require.NoError(t, f.SetMode(iso14a.ModeReader))
	d := send(t, f, []byte{frame.CmdSelectCL1, frame.NVBSelectAll})
	assert.Nil(t, d, "an idle card ignores anticollision")
}

func TestField_RemoveCardsSilencesField(t *testing.T) {
	t.Parallel()

	f := NewField(NewVirtualCard([]byte{1, 2, 3, 4}))
	require.NoError(t, f.SetMode(iso14a.ModeReader))
	f.RemoveCards()
	assert.Nil(t, sendBits(t, f, []byte{frame.CmdWUPA}, 7))
}

func TestVirtualCard_Nonces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		card func(c *VirtualCard)
		// want is the distance from one nonce to the next, with the second
		// authentication one PRNG cycle after the first.
		want int32
	}{
		{name: "field clocked", card: func(*VirtualCard) {}, want: 0},
		{name: "stepped", card: func(c *VirtualCard) { c.PRNGStep = 100 }, want: 100},
		{name: "stepped backwards", card: func(c *VirtualCard) { c.PRNGStep = -30000 }, want: -30000},
		{name: "random", card: func(c *VirtualCard) { c.RandomNonces = true }, want: crypto1.DistanceInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewVirtualCard([]byte{1, 2, 3, 4})
			tt.card(c)
			first := c.nextNonce(1000)
			c.Authentications++
			second := c.nextNonce(1000 + 1<<16)
			assert.Equal(t, tt.want, crypto1.NonceDistance(first, second))
		})
	}
}

func TestVirtualCard_NonceFollowsPRNGTicks(t *testing.T) {
	t.Parallel()

	c := NewVirtualCard([]byte{1, 2, 3, 4})
	assert.Equal(t, c.NonceAt(4096), c.NonceAt(4096+1<<16))
	assert.Equal(t, int32(8), crypto1.NonceDistance(c.NonceAt(4096), c.NonceAt(4104)))

	c.PRNGTicks = crypto1.PRNGPeriod
	assert.Equal(t, c.NonceAt(4096), c.NonceAt(4096+crypto1.PRNGPeriod))
	assert.NotEqual(t, c.NonceAt(4096), c.NonceAt(4096+1<<16))
}
