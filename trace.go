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
	"errors"
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
)

// TraceDirection says which side of the air interface sent a frame.
type TraceDirection uint8

const (
	// TraceReader marks a reader-to-tag frame
	TraceReader TraceDirection = iota
	// TraceTag marks a tag-to-reader frame
	TraceTag
)

func (d TraceDirection) String() string {
	if d == TraceTag {
		return "Tag"
	}
	return "Rdr"
}

// TraceFrame is one captured frame. Start and End are trace timestamps
// (hardware ticks multiplied by 16, see TraceTime).
type TraceFrame struct {
	Data      []byte
	Parity    []byte
	Note      string
	Start     uint32
	End       uint32
	Direction TraceDirection
}

// String renders the frame as a single trace line.
func (f TraceFrame) String() string {
	line := fmt.Sprintf("%10d %10d %s  %s", f.Start, f.End, f.Direction, formatHexBytes(f.Data))
	if f.Note != "" {
		line += "  (" + f.Note + ")"
	}
	return line
}

// Tracer receives captured frames. Returning false tells a capture loop
// that the sink is full and it should stop.
type Tracer interface {
	LogFrame(f TraceFrame) bool
}

// NopTracer discards every frame.
type NopTracer struct{}

// LogFrame implements Tracer.
func (NopTracer) LogFrame(TraceFrame) bool { return true }

// TraceBuffer keeps the most recent frames in a fixed-size ring.
type TraceBuffer struct {
	source  string
	entries []TraceFrame
	maxSize int
	mu      syncutil.Mutex
}

// NewTraceBuffer creates a ring holding maxSize frames (16 if maxSize <= 0).
// source names the radio in FormatTrace output.
func NewTraceBuffer(source string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &TraceBuffer{
		source:  source,
		entries: make([]TraceFrame, 0, maxSize),
		maxSize: maxSize,
	}
}

// LogFrame records a copy of f, evicting the oldest frame when full.
func (tb *TraceBuffer) LogFrame(f TraceFrame) bool {
	f.Data = append([]byte(nil), f.Data...)
	f.Parity = append([]byte(nil), f.Parity...)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.entries) >= tb.maxSize {
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = f
	} else {
		tb.entries = append(tb.entries, f)
	}
	return true
}

// Frames returns a copy of the buffered frames, oldest first.
func (tb *TraceBuffer) Frames() []TraceFrame {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]TraceFrame, len(tb.entries))
	copy(out, tb.entries)
	return out
}

// Clear drops all buffered frames.
func (tb *TraceBuffer) Clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.entries = tb.entries[:0]
}

// WrapError attaches the buffered frames to err. Returns nil for nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:    err,
		Source: tb.source,
		Trace:  tb.Frames(),
	}
}

// TraceableError carries the frames exchanged before a failure:
//
//	var te *iso14a.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("air trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err    error
	Source string
	Trace  []TraceFrame
}

func (e *TraceableError) Error() string {
	return e.Err.Error()
}

func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace renders the attached frames one per line.
func (e *TraceableError) FormatTrace() string {
	return FormatTrace(e.Source, e.Trace)
}

// FormatTrace renders frames one per line under a header naming source.
func FormatTrace(source string, frames []TraceFrame) string {
	if len(frames) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", source)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Air trace (%d frames):\n", source, len(frames))
	for _, f := range frames {
		_, _ = sb.WriteString("  ")
		_, _ = sb.WriteString(f.String())
		_ = sb.WriteByte('\n')
	}
	return sb.String()
}

// GetTrace extracts the trace from err, or returns nil.
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	n := min(len(data), 32)
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%02X", data[i])
	}
	out := strings.Join(parts, " ")
	if len(data) > n {
		out += fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return out
}
