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

package uart

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	virt "github.com/ZaparooProject/go-iso14a/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// errPortClosed is returned when operations are attempted on a closed port
var errPortClosed = errors.New("port is closed")

// mockSerialPort implements serial.Port over any io.ReadWriter
type mockSerialPort struct {
	link        io.ReadWriter
	readTimeout time.Duration
	drains      int
	closed      bool
}

func newMockSerialPort(link io.ReadWriter) *mockSerialPort {
	return &mockSerialPort{link: link, readTimeout: 50 * time.Millisecond}
}

func (*mockSerialPort) SetMode(_ *serial.Mode) error { return nil }

func (m *mockSerialPort) Read(p []byte) (int, error) {
	if m.closed {
		return 0, errPortClosed
	}
	return m.link.Read(p) //nolint:wrapcheck // pass-through
}

func (m *mockSerialPort) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errPortClosed
	}
	return m.link.Write(p) //nolint:wrapcheck // pass-through
}

func (m *mockSerialPort) Drain() error {
	m.drains++
	return nil
}

func (*mockSerialPort) ResetInputBuffer() error { return nil }
func (*mockSerialPort) ResetOutputBuffer() error { return nil }
func (*mockSerialPort) SetDTR(_ bool) error { return nil }
func (*mockSerialPort) SetRTS(_ bool) error { return nil }

func (*mockSerialPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (m *mockSerialPort) SetReadTimeout(t time.Duration) error {
	m.readTimeout = t
	return nil
}

func (m *mockSerialPort) Close() error {
	m.closed = true
	return nil
}

func (*mockSerialPort) Break(_ time.Duration) error { return nil }

// scriptLink replays a fixed byte stream from the bridge and records what
// the host writes. An empty script reads as a quiet line until err is set.
type scriptLink struct {
	in  bytes.Buffer
	out bytes.Buffer
	err error
}

func (s *scriptLink) Read(p []byte) (int, error) {
	if s.in.Len() == 0 {
		return 0, s.err
	}
	return s.in.Read(p) //nolint:wrapcheck // bytes.Buffer
}

func (s *scriptLink) Write(p []byte) (int, error) {
	return s.out.Write(p) //nolint:wrapcheck // bytes.Buffer
}

func bridgeFrame(t *testing.T, tfi, event byte, tick uint32, payload ...byte) []byte {
	t.Helper()
	data := []byte{event, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(data[1:], tick)
	data = append(data, payload...)
	out, err := frame.EncodeBridgeFrame(nil, tfi, data)
	require.NoError(t, err)
	return out
}

func newScriptedRadio(mode iso14a.Mode) (*Radio, *scriptLink) {
	link := &scriptLink{}
	r := newRadio(newMockSerialPort(link), "script")
	r.mode = mode
	r.idleReads = 3
	return r, link
}

func defaultJitterConfig() virt.JitterConfig {
	return virt.JitterConfig{
		FragmentReads:    true,
		FragmentMinBytes: 1,
		Seed:             12345,
	}
}

func TestRadio_SelectThroughBridge(t *testing.T) {
	t.Parallel()

	ats := []byte{0x05, 0x78, 0x80, 0x70, 0x02}
	tests := []struct {
		card       func() *virt.VirtualCard
		link       func(b *virt.VirtualBridge) io.ReadWriter
		name       string
		wantStatus iso14a.SelectStatus
	}{
		{
			name: "direct",
			card: func() *virt.VirtualCard { return virt.NewVirtualCard([]byte{0xDE, 0xAD, 0xBE, 0xEF}) },
			link: func(b *virt.VirtualBridge) io.ReadWriter { return b },
			wantStatus: iso14a.SelectNoISO14443_4,
		},
		{
			name: "fragmented reads",
			card: func() *virt.VirtualCard {
				return virt.NewVirtualCard([]byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
			},
			link: func(b *virt.VirtualBridge) io.ReadWriter {
				return virt.NewJitteryLink(b, defaultJitterConfig())
			},
			wantStatus: iso14a.SelectNoISO14443_4,
		},
		{
			name: "garbage before replies",
			card: func() *virt.VirtualCard { return virt.NewVirtualISO14443_4Card([]byte{1, 2, 3, 4}, ats) },
			link: func(b *virt.VirtualBridge) io.ReadWriter {
				b.Garbage = []byte{0xAA, 0x00, 0xFF, 0x05, 0x00}
				return virt.NewJitteryLink(b, defaultJitterConfig())
			},
			wantStatus: iso14a.SelectOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			card := tt.card()
			bridge := virt.NewVirtualBridge(virt.NewField(card))
			radio := newRadio(newMockSerialPort(tt.link(bridge)), "mock")
			reader := iso14a.NewReader(radio)
			require.NoError(t, reader.FieldOn())

			status, info, err := reader.Select(context.Background(), iso14a.SelectOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			require.NotNil(t, info)
			assert.Equal(t, card.UID, info.UID)
			assert.Equal(t, card.SAK, info.SAK)
			assert.NotEmpty(t, bridge.Transmissions)

			require.NoError(t, radio.Close())
		})
	}
}

func TestRadio_LongModulationIsChunked(t *testing.T) {
	t.Parallel()

	field := virt.NewField()
	bridge := virt.NewVirtualBridge(field)
	radio := newRadio(newMockSerialPort(bridge), "mock")
	require.NoError(t, radio.SetMode(iso14a.ModeReader))

	mod := make([]byte, 600)
	for i := range mod {
		mod[i] = byte(i) & 0x01
	}
	at := (field.Now() + 800) &^ 7

	start, err := radio.Transmit(context.Background(), mod, at)
	require.NoError(t, err)
	assert.Equal(t, at, start)
	require.Len(t, bridge.Transmissions, 1)
	assert.Equal(t, mod, bridge.Transmissions[0])

	// the first sample after the transmission starts where it ended
	_, ts, err := radio.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, at+uint32(8*len(mod)), ts)
}

func TestRadio_SampleResyncsAfterNoise(t *testing.T) {
	t.Parallel()

	r, link := newScriptedRadio(iso14a.ModeReader)
	damaged := bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 900, 0xEE)
	damaged[len(damaged)-2] ^= 0x01

	link.in.Write([]byte{0x13, 0x00, 0xFF, 0x07, 0x00})
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 800, 0xA0, 0xA1))
	link.in.Write(damaged)
	link.in.Write(bridgeFrame(t, frame.HostToBridge, frame.BridgeSamples, 950, 0xDD))
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 816, 0xA2))
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 1000, 0xB0))

	want := []struct {
		sample byte
		ts     uint32
	}{
		{0xA0, 800},
		{0xA1, 808},
		{0xA2, 816},
		{0xB0, 1000},
	}
	for _, w := range want {
		s, ts, err := r.Sample(context.Background())
		require.NoError(t, err)
		assert.Equal(t, w.sample, s)
		assert.Equal(t, w.ts, ts)
	}
}

func TestRadio_SamplesOfOwnModulationAreSkipped(t *testing.T) {
	t.Parallel()

	r, link := newScriptedRadio(iso14a.ModeReader)
	r.skip = true
	r.skipTo = 820
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 800, 1, 2, 3, 4))

	s, ts, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(4), s)
	assert.Equal(t, uint32(824), ts)
	assert.False(t, r.skip)
}

func TestRadio_GapDiscardsBufferedSamples(t *testing.T) {
	t.Parallel()

	r, _ := newScriptedRadio(iso14a.ModeReader)
	r.addSamples(0, []byte{1, 2})
	r.addSamples(64, []byte{3})

	s, ts, err := r.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(3), s)
	assert.Equal(t, uint32(64), ts)
}

func TestRadio_SetModeDropsQueuedSamples(t *testing.T) {
	t.Parallel()

	r, link := newScriptedRadio(iso14a.ModeReader)
	host := int64(0)
	r.clock = func() int64 { return host }
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeSamples, 100, 9, 9, 9))
	link.in.Write(bridgeFrame(t, frame.BridgeToHost, frame.BridgeModeSet, 5000))

	require.NoError(t, r.SetMode(iso14a.ModeSniffer))
	assert.Empty(t, r.samples)
	assert.Equal(t, uint32(5000), r.Now())

	cmd, err := frame.EncodeBridgeFrame(nil, frame.HostToBridge, []byte{frame.BridgeSetMode, byte(iso14a.ModeSniffer)})
	require.NoError(t, err)
	assert.Equal(t, cmd, link.out.Bytes())
}

func TestRadio_NowExtrapolatesHostClock(t *testing.T) {
	t.Parallel()

	r, _ := newScriptedRadio(iso14a.ModeReader)
	host := int64(0)
	r.clock = func() int64 { return host }
	r.syncTick(1000)

	assert.Equal(t, uint32(1000), r.Now())
	host += int64(time.Millisecond)
	assert.Equal(t, uint32(1000+iso14a.TicksPerMs), r.Now())
	host += int64(500 * time.Microsecond)
	assert.Equal(t, uint32(1000+iso14a.TicksPerMs+423), r.Now())

	// a host clock behind the last report does not move the tick back
	host = -int64(time.Second)
	assert.Equal(t, uint32(1000), r.Now())
}

func TestRadio_Errors(t *testing.T) {
	t.Parallel()

	t.Run("idle line times out", func(t *testing.T) {
		t.Parallel()
		r, _ := newScriptedRadio(iso14a.ModeReader)
		_, _, err := r.Sample(context.Background())
		require.ErrorIs(t, err, iso14a.ErrRadioTimeout)
		assert.True(t, iso14a.IsRetryable(err))
	})

	t.Run("end of stream is fatal", func(t *testing.T) {
		t.Parallel()
		r, link := newScriptedRadio(iso14a.ModeReader)
		link.err = io.EOF
		_, _, err := r.Sample(context.Background())
		require.Error(t, err)
		assert.True(t, iso14a.IsFatal(err))
	})

	t.Run("field off has no samples", func(t *testing.T) {
		t.Parallel()
		r, _ := newScriptedRadio(iso14a.ModeOff)
		_, _, err := r.Sample(context.Background())
		require.ErrorIs(t, err, iso14a.ErrRadioNotReady)
	})

	t.Run("cancelled sample", func(t *testing.T) {
		t.Parallel()
		r, _ := newScriptedRadio(iso14a.ModeReader)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := r.Sample(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("cancelled transmit writes nothing", func(t *testing.T) {
		t.Parallel()
		r, link := newScriptedRadio(iso14a.ModeReader)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Transmit(ctx, []byte{0xFF}, 0)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, link.out.Len())
	})

	t.Run("short transmit reply", func(t *testing.T) {
		t.Parallel()
		r, link := newScriptedRadio(iso14a.ModeReader)
		short, err := frame.EncodeBridgeFrame(nil, frame.BridgeToHost, []byte{frame.BridgeTxDone, 0x01})
		require.NoError(t, err)
		link.in.Write(short)
		_, err = r.Transmit(context.Background(), []byte{0xFF}, 0)
		require.ErrorIs(t, err, iso14a.ErrFrameCorrupted)
	})
}

func TestRadio_Close(t *testing.T) {
	t.Parallel()

	r, link := newScriptedRadio(iso14a.ModeReader)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	off, err := frame.EncodeBridgeFrame(nil, frame.HostToBridge, []byte{frame.BridgeSetMode, byte(iso14a.ModeOff)})
	require.NoError(t, err)
	assert.Equal(t, off, link.out.Bytes())

	_, _, err = r.Sample(context.Background())
	require.ErrorIs(t, err, iso14a.ErrRadioClosed)
	_, err = r.Transmit(context.Background(), nil, 0)
	require.ErrorIs(t, err, iso14a.ErrRadioClosed)
	require.ErrorIs(t, r.SetMode(iso14a.ModeReader), iso14a.ErrRadioClosed)
	assert.Equal(t, iso14a.RadioUART, r.Type())
}

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "message", err: errors.New("read /dev/ttyUSB0: interrupted system call"), want: true},
		{name: "other", err: errors.New("device not configured"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isInterruptedSystemCall(tt.err))
		})
	}
}
