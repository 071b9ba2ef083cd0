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

// stopAfter refuses frames once n have been logged.
type stopAfter struct {
	frames []iso14a.TraceFrame
	n      int
}

func (s *stopAfter) LogFrame(f iso14a.TraceFrame) bool {
	f.Data = append([]byte(nil), f.Data...)
	s.frames = append(s.frames, f)
	return len(s.frames) < s.n
}

var (
	sniffUID    = []byte{0x01, 0x02, 0x03, 0x04, 0x04}
	sniffSelect = []byte{frame.CmdSelectCL1, frame.NVBSelectAll}
)

// anticollisionStream is WUPA, ATQA, SELECT_ALL and the UID answer.
func anticollisionStream() (*virt.SniffStream, []uint32) {
	s := virt.NewSniffStream(4096)
	starts := []uint32{
		s.Reader([]byte{frame.CmdWUPA}, 7, 8),
		s.Tag([]byte{0x04, 0x00}, 10),
		s.Reader(sniffSelect, 16, 40),
		s.Tag(sniffUID, 10),
	}
	s.Idle(16)
	return s, starts
}

func TestSniffer_DecodesBothDirections(t *testing.T) {
	t.Parallel()

	stream, starts := anticollisionStream()
	tracer := iso14a.NewTraceBuffer("sniff", 16)

	stats, err := iso14a.NewSniffer(stream, tracer).Run(context.Background(), 0)
	require.ErrorIs(t, err, virt.ErrScriptDone)
	assert.True(t, stats.Triggered)
	assert.Equal(t, 2, stats.ReaderFrames)
	assert.Equal(t, 2, stats.TagFrames)
	assert.Equal(t, uint64(stream.Len()), stats.Samples)
	assert.Equal(t, iso14a.ModeOff, stream.Mode())

	frames := tracer.Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, iso14a.TraceReader, frames[0].Direction)
	assert.Equal(t, []byte{frame.CmdWUPA}, frames[0].Data)
	assert.Equal(t, iso14a.TraceTag, frames[1].Direction)
	assert.Equal(t, []byte{0x04, 0x00}, frames[1].Data)
	assert.Equal(t, sniffSelect, frames[2].Data)
	assert.Equal(t, sniffUID, frames[3].Data)

	assert.Equal(t, starts[0]*iso14a.TraceTicks-iso14a.DelayReaderAir2ArmSniffer, frames[0].Start)
	// the tag start bit follows the correction sample
	assert.Equal(t, (starts[1]+8)*iso14a.TraceTicks-iso14a.DelayTagAir2ArmSniffer, frames[1].Start)
}

func TestSniffer_Triggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		build   func() *virt.SniffStream
		trigger iso14a.SniffTrigger
		reader  int
		tag     int
	}{
		{
			name: "tag trigger drops the first request",
			build: func() *virt.SniffStream {
				s, _ := anticollisionStream()
				return s
			},
			trigger: iso14a.SniffTriggerTag,
			reader:  1,
			tag:     2,
		},
		{
			name: "reader trigger waits for a short frame",
			build: func() *virt.SniffStream {
				s := virt.NewSniffStream(0)
				s.Reader(sniffSelect, 16, 8)
				s.Reader([]byte{frame.CmdREQA}, 7, 40)
				s.Tag([]byte{0x04, 0x00}, 10)
				s.Idle(16)
				return s
			},
			trigger: iso14a.SniffTriggerReader,
			reader:  1,
			tag:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stats, err := iso14a.NewSniffer(tt.build(), nil).Run(context.Background(), tt.trigger)
			require.ErrorIs(t, err, virt.ErrScriptDone)
			assert.True(t, stats.Triggered)
			assert.Equal(t, tt.reader, stats.ReaderFrames)
			assert.Equal(t, tt.tag, stats.TagFrames)
		})
	}
}

func TestSniffer_StopsWhenTracerIsFull(t *testing.T) {
	t.Parallel()

	stream, _ := anticollisionStream()
	tracer := &stopAfter{n: 2}

	stats, err := iso14a.NewSniffer(stream, tracer).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, tracer.frames, 2)
	assert.Equal(t, 1, stats.ReaderFrames)
	assert.Equal(t, 1, stats.TagFrames)
}

func TestSniffer_Cancelled(t *testing.T) {
	t.Parallel()

	stream, _ := anticollisionStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := iso14a.NewSniffer(stream, nil).Run(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}
