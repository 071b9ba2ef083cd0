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

package iso14a_test

import (
	"context"
	"testing"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	virt "github.com/ZaparooProject/go-iso14a/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_ConnectAndAPDU(t *testing.T) {
	t.Parallel()

	f := virt.NewField(virt.NewVirtualISO14443_4Card([]byte{1, 2, 3, 4}, testATS))
	r := iso14a.NewReader(f)

	res, err := r.Exchange(context.Background(), iso14a.RawRequest{
		Connect: true,
		APDU:    true,
		Data:    []byte{0x00, 0xA4, 0x04, 0x00},
	})
	require.NoError(t, err)
	assert.Equal(t, iso14a.SelectOK, res.Status)
	require.NotNil(t, res.Card)
	assert.Equal(t, []byte{1, 2, 3, 4}, res.Card.UID)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x90, 0x00}, res.Response)
	assert.Equal(t, byte(0x02), res.PCB)
	assert.Equal(t, iso14a.ModeOff, f.Mode())
}

func TestExchange_RawReadWithCRC(t *testing.T) {
	t.Parallel()

	card := virt.NewVirtualCard([]byte{1, 2, 3, 4})
	block := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	card.Blocks[4] = block
	f := virt.NewField(card)
	r := iso14a.NewReader(f)

	res, err := r.Exchange(context.Background(), iso14a.RawRequest{
		Connect:   true,
		NoRATS:    true,
		AppendCRC: true,
		KeepField: true,
		Data:      []byte{frame.CmdRead, 0x04},
	})
	require.NoError(t, err)
	assert.Equal(t, iso14a.SelectNoISO14443_4, res.Status)
	require.Len(t, res.Response, 18)
	assert.Equal(t, block, res.Response[:16])
	assert.True(t, frame.CheckCRCA(res.Response))
	assert.Len(t, res.Parity, 3)
	assert.True(t, iso14a.CheckParity(res.Response, res.Parity))
	assert.Equal(t, iso14a.ModeReader, f.Mode())
}

func TestExchange_NoCard(t *testing.T) {
	t.Parallel()

	r := iso14a.NewReader(virt.NewField())
	res, err := r.Exchange(context.Background(), iso14a.RawRequest{Connect: true, Data: []byte{0x30, 0x00}})
	require.NoError(t, err)
	assert.Equal(t, iso14a.SelectNoCard, res.Status)
	assert.Nil(t, res.Response)
}

func TestExchange_ShortFrameAfterConnect(t *testing.T) {
	t.Parallel()

	f := virt.NewField(virt.NewVirtualCard([]byte{1, 2, 3, 4}))
	r := iso14a.NewReader(f)

	res, err := r.Exchange(context.Background(), iso14a.RawRequest{
		Connect:  true,
		NoSelect: true,
		Data:     []byte{frame.CmdWUPA},
		Bits:     7,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x00}, res.Response)
}

func TestExchange_TimeoutIsRestored(t *testing.T) {
	t.Parallel()

	r := iso14a.NewReader(virt.NewField(virt.NewVirtualCard([]byte{1, 2, 3, 4})))
	before := r.Timeout()

	_, err := r.Exchange(context.Background(), iso14a.RawRequest{
		Connect:  true,
		NoSelect: true,
		Data:     []byte{frame.CmdWUPA},
		Bits:     7,
		Timeout:  50,
	})
	require.NoError(t, err)
	assert.Equal(t, before, r.Timeout())
}

func TestExchange_InvalidBits(t *testing.T) {
	t.Parallel()

	r := iso14a.NewReader(virt.NewField())
	_, err := r.Exchange(context.Background(), iso14a.RawRequest{Data: []byte{0x01}, Bits: 20})
	require.ErrorIs(t, err, iso14a.ErrInvalidParameter)
}

func TestExchange_TopazFraming(t *testing.T) {
	t.Parallel()

	f := virt.NewField()
	r := iso14a.NewReader(f)
	require.NoError(t, r.FieldOn())

	_, err := r.Exchange(context.Background(), iso14a.RawRequest{
		Topaz:     true,
		AppendCRC: true,
		KeepField: true,
		Data:      []byte{0x78, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	})
	require.NoError(t, err)

	frames := f.ReaderFrames()
	require.NotEmpty(t, frames)
	assert.Equal(t, 7, frames[0].Bits)
	assert.Equal(t, []byte{0x78}, frames[0].Data)
}
