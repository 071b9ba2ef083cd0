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

// Package uart provides a Radio for a sample bridge on a serial port.
//
// The bridge streams demodulator samples to the host and clocks modulation
// buffers out at a requested tick. Both directions use the classic
// preamble/start-code framing from internal/frame, with a command or event
// byte leading every payload.
package uart

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/frame"
	"go.bug.st/serial"
)

const (
	// BaudRate of the bridge link. A reader-mode sample stream needs about
	// 13.3 kB/s before framing overhead.
	BaudRate = 921600

	// defaultIdleReads is how many empty reads in a row count as a dead
	// bridge, about a second at the default read timeout.
	defaultIdleReads = 20

	// maxLastChunk is the modulation that fits in a Transmit frame next to
	// the command byte and the start tick.
	maxLastChunk = frame.MaxBridgeDataLength - 6
)

// Radio implements iso14a.Radio over a serial sample bridge.
type Radio struct {
	port     serial.Port
	portName string
	clock    func() int64

	mu        sync.Mutex
	rx        []byte
	readBuf   []byte
	cmdBuf    []byte
	samples   []byte
	sampleAt  uint32 // tick of samples[0]
	skipTo    uint32 // samples before this tick are our own modulation
	skip      bool
	tick      uint32 // last tick reported by the bridge
	tickHost  int64  // host clock when tick was reported
	mode      iso14a.Mode
	idleReads int
	closed    bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// getWindowsTimeout returns Windows-specific timeout values
func getWindowsTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// New opens the bridge on portName and switches its field off, which also
// synchronises the host tick clock.
func New(portName string) (*Radio, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}

	// 50ms works on Linux/Mac, Windows drivers need 100ms
	timeout := getWindowsTimeout()
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set UART read timeout: %w", err)
	}
	// a previous session may have left a sample stream in the buffer
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to flush UART input: %w", err)
	}

	r := newRadio(port, portName)
	if err := r.SetMode(iso14a.ModeOff); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("sample bridge on %s did not answer: %w", portName, err)
	}
	return r, nil
}

func newRadio(port serial.Port, portName string) *Radio {
	return &Radio{
		port:      port,
		portName:  portName,
		clock:     monotonicNanos,
		readBuf:   make([]byte, 512),
		cmdBuf:    make([]byte, 0, frame.MaxBridgeDataLength),
		idleReads: defaultIdleReads,
	}
}

// SetMode implements iso14a.Radio. It waits for the bridge to confirm.
func (r *Radio) SetMode(mode iso14a.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return iso14a.NewRadioClosedError("set mode", r.portName)
	}

	if err := r.writeCommand(frame.BridgeSetMode, []byte{byte(mode)}); err != nil {
		return err
	}
	if _, err := r.waitEvent(context.Background(), frame.BridgeModeSet); err != nil {
		return err
	}
	r.mode = mode
	r.samples = r.samples[:0]
	r.skip = false
	iso14a.Debugf("UART %s: mode %s at tick %d", r.portName, mode, r.tick)
	return nil
}

// Now implements iso14a.Radio. Between bridge reports the tick is
// extrapolated from the host's monotonic clock.
func (r *Radio) Now() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extrapolate(r.clock())
}

func (r *Radio) extrapolate(host int64) uint32 {
	elapsed := host - r.tickHost
	if elapsed < 0 {
		elapsed = 0
	}
	const ns = int64(time.Millisecond)
	ticks := elapsed/ns*iso14a.TicksPerMs + elapsed%ns*iso14a.TicksPerMs/ns
	return r.tick + uint32(ticks)
}

// syncTick records a tick reported by the bridge. The bridge is
// authoritative, so the host estimate may move backwards.
func (r *Radio) syncTick(tick uint32) {
	r.tick = tick
	r.tickHost = r.clock()
}

// Transmit implements iso14a.Radio. Modulation longer than one frame is
// sent ahead in chunks; the final Transmit frame carries the start tick.
func (r *Radio) Transmit(ctx context.Context, mod []byte, at uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, iso14a.NewRadioClosedError("transmit", r.portName)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rest := mod
	for len(rest) > maxLastChunk {
		n := min(len(rest), frame.MaxBridgeChunk)
		if err := r.writeCommand(frame.BridgeTxChunk, rest[:n]); err != nil {
			return 0, err
		}
		rest = rest[n:]
	}
	var last [maxLastChunk + 4]byte
	binary.BigEndian.PutUint32(last[:4], at)
	n := copy(last[4:], rest)
	if err := r.writeCommand(frame.BridgeTransmit, last[:4+n]); err != nil {
		return 0, err
	}

	p, err := r.waitEvent(ctx, frame.BridgeTxDone)
	if err != nil {
		return 0, err
	}
	if len(p) < 4 {
		return 0, iso14a.NewFrameCorruptedError("transmit", r.portName)
	}
	start := binary.BigEndian.Uint32(p)
	r.samples = r.samples[:0]
	r.skip = true
	r.skipTo = start + uint32(8*len(mod))
	return start, nil
}

// Sample implements iso14a.Radio.
func (r *Radio) Sample(ctx context.Context) (byte, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.samples) == 0 {
		if r.closed {
			return 0, 0, iso14a.NewRadioClosedError("sample", r.portName)
		}
		if r.mode == iso14a.ModeOff {
			return 0, 0, iso14a.NewRadioError("sample", r.portName, iso14a.ErrRadioNotReady, iso14a.ErrorTypePermanent)
		}
		cmd, p, err := r.readEvent(ctx)
		if err != nil {
			return 0, 0, err
		}
		r.handleEvent(cmd, p)
	}

	b, ts := r.samples[0], r.sampleAt
	r.samples = r.samples[1:]
	r.sampleAt += 8
	return b, ts, nil
}

// Close switches the field off and closes the port.
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.mode != iso14a.ModeOff {
		_ = r.writeCommand(frame.BridgeSetMode, []byte{byte(iso14a.ModeOff)})
	}
	if err := r.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type implements iso14a.Radio.
func (*Radio) Type() iso14a.RadioType {
	return iso14a.RadioUART
}

// waitEvent reads events until want arrives, handling everything else on
// the way. The returned payload is only valid until the next read.
func (r *Radio) waitEvent(ctx context.Context, want byte) ([]byte, error) {
	for {
		cmd, p, err := r.readEvent(ctx)
		if err != nil {
			return nil, err
		}
		if cmd == want {
			return p, nil
		}
		r.handleEvent(cmd, p)
	}
}

func (r *Radio) handleEvent(cmd byte, p []byte) {
	switch cmd {
	case frame.BridgeSamples:
		if len(p) < 4 {
			iso14a.Debugf("UART %s: short sample frame", r.portName)
			return
		}
		r.addSamples(binary.BigEndian.Uint32(p), p[4:])
	case frame.BridgeOverflow:
		iso14a.Debugf("UART %s: bridge overflow, % X", r.portName, p)
		r.samples = r.samples[:0]
	case frame.BridgeModeSet, frame.BridgeTxDone:
		if len(p) >= 4 {
			r.syncTick(binary.BigEndian.Uint32(p))
		}
	default:
		iso14a.Debugf("UART %s: unknown event %02X", r.portName, cmd)
	}
}

func (r *Radio) addSamples(at uint32, s []byte) {
	r.syncTick(at + uint32(8*len(s)))
	if r.mode == iso14a.ModeOff {
		return
	}
	if r.skip {
		if d := int32(r.skipTo - at); d > 0 {
			drop := min(int(d+7)/8, len(s))
			s = s[drop:]
			at += uint32(8 * drop)
		}
		if len(s) == 0 {
			return
		}
		r.skip = false
	}

	if len(r.samples) > 0 && r.sampleAt+uint32(8*len(r.samples)) != at {
		iso14a.Debugf("UART %s: sample gap before tick %d", r.portName, at)
		r.samples = r.samples[:0]
	}
	if len(r.samples) == 0 {
		r.sampleAt = at
	}
	r.samples = append(r.samples, s...)
}

// readEvent returns the next bridge-to-host frame. Noise and damaged frames
// are dropped; the link resynchronises on the next start code.
func (r *Radio) readEvent(ctx context.Context) (byte, []byte, error) {
	idle := 0
	for {
		if len(r.rx) > 0 {
			tfi, data, n, err := frame.ExtractBridgeFrame(r.rx)
			r.rx = r.rx[n:]
			switch {
			case err == nil:
				if tfi == frame.BridgeToHost && len(data) > 0 {
					return data[0], data[1:], nil
				}
				iso14a.Debugf("UART %s: ignoring frame with TFI %02X", r.portName, tfi)
				continue
			case !errors.Is(err, frame.ErrFrameIncomplete):
				iso14a.Debugf("UART %s: dropping damaged frame: %v", r.portName, err)
				continue
			}
		}

		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		n, err := r.port.Read(r.readBuf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return 0, nil, r.portError("read", err)
		}
		if n == 0 {
			idle++
			if idle >= r.idleReads {
				return 0, nil, iso14a.NewTimeoutError("read", r.portName)
			}
			continue
		}
		idle = 0
		r.rx = append(r.rx, r.readBuf[:n]...)
	}
}

func (r *Radio) writeCommand(cmd byte, payload []byte) error {
	data := append(append(r.cmdBuf[:0], cmd), payload...)
	buf := frame.GetBuffer()
	defer frame.PutBuffer(buf)
	buf, err := frame.EncodeBridgeFrame(buf, frame.HostToBridge, data)
	if err != nil {
		return fmt.Errorf("encode bridge command %02X: %w", cmd, err)
	}

	n, err := r.port.Write(buf)
	if err != nil {
		return r.portError("write", err)
	}
	if n != len(buf) {
		return iso14a.NewRadioWriteError("write", r.portName)
	}
	return r.drainWithRetry("write")
}

// portError classifies a serial failure. A closed or vanished port is
// permanent; anything else may clear on retry.
func (r *Radio) portError(op string, err error) error {
	var pe *serial.PortError
	if errors.Is(err, io.EOF) || (errors.As(err, &pe) && pe.Code() == serial.PortClosed) || isDeviceGone(err) {
		return iso14a.NewRadioError(op, r.portName, err, iso14a.ErrorTypePermanent)
	}
	return iso14a.NewRadioError(op, r.portName, err, iso14a.ErrorTypeTransient)
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	if isEINTR(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (r *Radio) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := r.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms
			continue
		}

		return fmt.Errorf("UART %s drain failed: %w", operation, err)
	}

	return fmt.Errorf("UART %s drain failed after %d retries", operation, maxRetries)
}

var _ iso14a.Radio = (*Radio)(nil)
