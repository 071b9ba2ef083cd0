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
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAll drains the link until want bytes arrived, recording fragment sizes.
func readAll(t *testing.T, r io.Reader, want int) ([]byte, []int) {
	t.Helper()
	var got []byte
	var sizes []int
	buf := make([]byte, 256)
	for len(got) < want {
		n, err := r.Read(buf)
		require.NoError(t, err)
		require.Positive(t, n)
		got = append(got, buf[:n]...)
		sizes = append(sizes, n)
	}
	return got, sizes
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func TestJitteryLink_Fragments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		check  func(t *testing.T, sizes []int)
		name   string
		config JitterConfig
		size   int
	}{
		{
			name:   "passthrough",
			config: JitterConfig{Seed: 1},
			size:   100,
			check: func(t *testing.T, sizes []int) {
				assert.Equal(t, []int{100}, sizes)
			},
		},
		{
			name:   "random fragments respect minimum",
			config: JitterConfig{Seed: 7, FragmentReads: true, FragmentMinBytes: 3},
			size:   200,
			check: func(t *testing.T, sizes []int) {
				for _, s := range sizes[:len(sizes)-1] {
					assert.GreaterOrEqual(t, s, 3)
				}
			},
		},
		{
			name:   "usb boundaries",
			config: JitterConfig{Seed: 1, USBBoundaries: true},
			size:   150,
			check: func(t *testing.T, sizes []int) {
				assert.Equal(t, []int{64, 64, 22}, sizes)
			},
		},
		{
			name:   "stall splits at limit",
			config: JitterConfig{Seed: 1, StallAfterBytes: 10, StallDuration: time.Millisecond},
			size:   30,
			check: func(t *testing.T, sizes []int) {
				assert.Equal(t, []int{10, 20}, sizes)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			want := payload(tt.size)
			link := NewJitteryLink(bytes.NewBuffer(bytes.Clone(want)), tt.config)
			got, sizes := readAll(t, link, tt.size)
			assert.Equal(t, want, got)
			tt.check(t, sizes)
		})
	}
}

func TestJitteryLink_SeedIsReproducible(t *testing.T) {
	t.Parallel()

	cfg := JitterConfig{Seed: 42, FragmentReads: true, FragmentMinBytes: 1}
	_, a := readAll(t, NewJitteryLink(bytes.NewBuffer(payload(120)), cfg), 120)
	_, b := readAll(t, NewJitteryLink(bytes.NewBuffer(payload(120)), cfg), 120)
	assert.Equal(t, a, b)
}

func TestJitteryLink_WriteAndEOF(t *testing.T) {
	t.Parallel()

	var backend bytes.Buffer
	link := NewJitteryLink(&backend, JitterConfig{Seed: 3})
	n, err := link.Write([]byte{0xD4, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, _ := readAll(t, link, 2)
	assert.Equal(t, []byte{0xD4, 0x01}, got)

	_, err = link.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
}

func TestJitteryLink_Reset(t *testing.T) {
	t.Parallel()

	link := NewJitteryLink(bytes.NewBuffer(payload(100)), JitterConfig{Seed: 1, USBBoundaries: true})
	buf := make([]byte, 10)
	n, err := link.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	link.Reset()
	assert.Empty(t, link.pending)
	assert.Zero(t, link.delivered)
}
