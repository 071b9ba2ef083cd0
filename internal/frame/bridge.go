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

package frame

import (
	"errors"
	"sync"
)

// Bridge link errors
var (
	ErrFrameCorrupted   = errors.New("bridge frame corrupted")
	ErrChecksumMismatch = errors.New("bridge frame checksum mismatch")
	ErrFrameIncomplete  = errors.New("bridge frame incomplete")
	ErrDataTooLarge     = errors.New("bridge frame data too large")
)

// BridgeBufferSize fits one complete bridge frame with all overhead.
const BridgeBufferSize = MaxBridgeDataLength + 9

var bridgePool = sync.Pool{
	New: func() any {
		buf := make([]byte, BridgeBufferSize)
		return &buf
	},
}

// GetBuffer returns a zero-length buffer with room for one bridge frame.
// Return it with PutBuffer once the frame has been written.
func GetBuffer() []byte {
	bufPtr, ok := bridgePool.Get().(*[]byte)
	if !ok {
		return make([]byte, 0, BridgeBufferSize)
	}
	return (*bufPtr)[:0]
}

// PutBuffer hands a buffer obtained from GetBuffer back to the pool.
func PutBuffer(buf []byte) {
	if cap(buf) != BridgeBufferSize {
		return
	}
	full := buf[:BridgeBufferSize]
	clear(full)
	bridgePool.Put(&full)
}

// EncodeBridgeFrame appends one framed bridge packet to dst.
//
//	00 00 FF LEN LCS TFI DATA... DCS 00
//
// LEN counts TFI plus data, LCS makes LEN+LCS zero and DCS makes the sum of
// TFI, data and DCS zero.
func EncodeBridgeFrame(dst []byte, tfi byte, data []byte) ([]byte, error) {
	if len(data) > MaxBridgeDataLength-1 {
		return dst, ErrDataTooLarge
	}
	length := byte(len(data) + 1)
	dst = append(dst, Preamble, StartCode1, StartCode2, length, -length, tfi)
	dst = append(dst, data...)
	dcs := -(tfi + CalculateChecksum(data))
	return append(dst, dcs, Postamble), nil
}

// ExtractBridgeFrame finds the first complete bridge frame in buf and
// returns its TFI, payload and the number of bytes consumed. Leading noise
// before the start code is skipped. ErrFrameIncomplete means more bytes
// are needed; any other error means the frame at the front is damaged and
// consumed bytes should be dropped before retrying.
func ExtractBridgeFrame(buf []byte) (tfi byte, data []byte, consumed int, err error) {
	off := findStartCode(buf)
	if off < 0 {
		// keep a trailing 0x00 that may start the next start code
		if n := len(buf); n > 0 && buf[n-1] == StartCode1 {
			return 0, nil, n - 1, ErrFrameIncomplete
		}
		return 0, nil, len(buf), ErrFrameIncomplete
	}

	// off points at LEN
	if off+2 > len(buf) {
		return 0, nil, off - 2, ErrFrameIncomplete
	}
	length := int(buf[off])
	if byte(length)+buf[off+1] != 0 || length == 0 {
		return 0, nil, off, ErrFrameCorrupted
	}

	end := off + 2 + length + 1
	if end > len(buf) {
		return 0, nil, off - 2, ErrFrameIncomplete
	}
	body := buf[off+2 : off+2+length]
	if CalculateChecksum(body)+buf[end-1] != 0 {
		return 0, nil, end, ErrChecksumMismatch
	}

	consumed = end
	if consumed < len(buf) && buf[consumed] == Postamble {
		consumed++
	}
	return body[0], body[1:], consumed, nil
}

// findStartCode returns the index of the LEN byte following 00 FF, or -1.
func findStartCode(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartCode1 && buf[i+1] == StartCode2 {
			return i + 2
		}
	}
	return -1
}
