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

package emulator

import (
	"fmt"

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// modulationLen is the size of the tag modulation of an n byte frame:
// one line-code byte per data and parity bit plus correction, start and
// stop.
func modulationLen(n int) int {
	return n*9 + 3
}

// Response is a tag answer ready to go on the air.
type Response struct {
	Data     []byte
	Mod      []byte
	Duration uint32
}

// Arena hands out consecutive slices of one fixed buffer. Responses
// compiled into it stay valid until Reset.
type Arena struct {
	buf []byte
	off int
}

// NewArena returns an arena of size bytes.
func NewArena(size int) *Arena {
	return &Arena{buf: make([]byte, size)}
}

// Alloc returns the next n bytes, or false when fewer remain. The slice
// cannot grow into the next allocation.
func (a *Arena) Alloc(n int) ([]byte, bool) {
	if n < 0 || n > a.Remaining() {
		return nil, false
	}
	s := a.buf[a.off : a.off+n : a.off+n]
	a.off += n
	return s, true
}

// Remaining is the number of free bytes.
func (a *Arena) Remaining() int { return len(a.buf) - a.off }

// Reset frees every allocation.
func (a *Arena) Reset() { a.off = 0 }

// Compile encodes data with odd parity into the arena.
func (a *Arena) Compile(data []byte) (*Response, error) {
	need := modulationLen(len(data))
	buf, ok := a.Alloc(need)
	if !ok {
		return nil, fmt.Errorf("%w: need %d bytes, %d left", ErrResponseTooLarge, need, a.Remaining())
	}
	mod, duration := iso14a.EncodeTagFrame(buf[:0], data)
	return &Response{Data: data, Mod: mod, Duration: duration}, nil
}

// compileInto encodes data into dst, which must have room for the whole
// modulation. It is used for answers built on the fly.
func compileInto(dst []byte, data []byte) (Response, error) {
	need := modulationLen(len(data))
	if need > cap(dst) {
		return Response{}, fmt.Errorf("%w: need %d bytes, have %d", ErrResponseTooLarge, need, cap(dst))
	}
	mod, duration := iso14a.EncodeTagFrame(dst[:0], data)
	return Response{Data: data, Mod: mod, Duration: duration}, nil
}
