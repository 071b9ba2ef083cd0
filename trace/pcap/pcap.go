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

// Package pcap writes air traces as pcap files with the ISO14443 link
// type (LINKTYPE_ISO_14443, 264), which Wireshark dissects directly.
//
// Each record carries a 4-byte pseudo-header: version 0, an event byte
// and the big-endian length of the frame that follows.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeISO14443 is the pcap link type for ISO14443 traffic.
const LinkTypeISO14443 layers.LinkType = 264

// Event is the event byte of the pseudo-header.
type Event byte

const (
	EventDataReaderToTag Event = 0xFF
	EventDataTagToReader Event = 0xFE
	EventFieldOff        Event = 0xFD
	EventFieldOn         Event = 0xFC
)

const (
	headerLen = 4
	snapLen   = headerLen + 512
	// carrierHz converts trace timestamps, which count carrier cycles.
	carrierHz = 13_560_000
)

// ErrBadRecord is returned by ReadFrames for a record that does not carry
// a valid pseudo-header.
var ErrBadRecord = errors.New("pcap: bad ISO14443 record")

// Writer is an iso14a.Tracer that appends every frame to a pcap stream.
// Trace timestamps are placed relative to the base time given to
// NewWriter; 32-bit wraparound is followed. Safe for concurrent use.
type Writer struct {
	w     *pcapgo.Writer
	base  time.Time
	err   error
	buf   []byte
	last  uint32
	epoch uint64
	mu    syncutil.Mutex
}

// NewWriter writes the pcap file header to w and returns the tracer.
func NewWriter(w io.Writer, base time.Time) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeISO14443); err != nil {
		return nil, fmt.Errorf("pcap: write file header: %w", err)
	}
	return &Writer{w: pw, base: base}, nil
}

// LogFrame implements iso14a.Tracer. It returns false once a write has
// failed, which stops a running capture; Err reports the failure.
func (w *Writer) LogFrame(f iso14a.TraceFrame) bool {
	ev := EventDataReaderToTag
	if f.Direction == iso14a.TraceTag {
		ev = EventDataTagToReader
	}
	return w.write(ev, f.Start, f.Data) == nil
}

// LogEvent records a data-less event such as a field change at trace time ts.
func (w *Writer) LogEvent(ev Event, ts uint32) error {
	return w.write(ev, ts, nil)
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) write(ev Event, ts uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if len(data) > snapLen-headerLen {
		data = data[:snapLen-headerLen]
	}
	w.buf = append(w.buf[:0], 0, byte(ev), 0, 0)
	binary.BigEndian.PutUint16(w.buf[2:], uint16(len(data)))
	w.buf = append(w.buf, data...)

	ci := gopacket.CaptureInfo{
		Timestamp:     w.timestamp(ts),
		CaptureLength: len(w.buf),
		Length:        len(w.buf),
	}
	if err := w.w.WritePacket(ci, w.buf); err != nil {
		w.err = fmt.Errorf("pcap: write record: %w", err)
	}
	return w.err
}

func (w *Writer) timestamp(ts uint32) time.Time {
	if ts < w.last && w.last-ts > 1<<31 {
		w.epoch += 1 << 32
	}
	w.last = ts
	cycles := w.epoch + uint64(ts)
	d := time.Duration(cycles/carrierHz)*time.Second +
		time.Duration(cycles%carrierHz*uint64(time.Second)/carrierHz)
	return w.base.Add(d)
}

// Record is one record read back from a pcap stream.
type Record struct {
	Timestamp time.Time
	Data      []byte
	Event     Event
}

// Frame converts a data record to a trace frame without timestamps.
func (r Record) Frame() (iso14a.TraceFrame, bool) {
	switch r.Event {
	case EventDataReaderToTag:
		return iso14a.TraceFrame{Data: r.Data, Direction: iso14a.TraceReader}, true
	case EventDataTagToReader:
		return iso14a.TraceFrame{Data: r.Data, Direction: iso14a.TraceTag}, true
	default:
		return iso14a.TraceFrame{}, false
	}
}

// ReadRecords reads every record of an ISO14443 pcap stream.
func ReadRecords(r io.Reader) ([]Record, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcap: read file header: %w", err)
	}
	if lt := pr.LinkType(); lt != LinkTypeISO14443 {
		return nil, fmt.Errorf("pcap: link type %d, want %d", lt, LinkTypeISO14443)
	}
	var out []Record
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("pcap: read record: %w", err)
		}
		if len(data) < headerLen || data[0] != 0 {
			return out, ErrBadRecord
		}
		n := int(binary.BigEndian.Uint16(data[2:4]))
		if headerLen+n > len(data) {
			return out, ErrBadRecord
		}
		out = append(out, Record{
			Timestamp: ci.Timestamp,
			Event:     Event(data[1]),
			Data:      append([]byte(nil), data[headerLen:headerLen+n]...),
		})
	}
}
