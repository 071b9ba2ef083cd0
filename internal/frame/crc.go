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

// crcAInit is the ISO14443-A CRC preset (ITU-V.41 with reflected output).
const crcAInit = 0x6363

// ComputeCRCA returns the ISO14443-A CRC of data as the two bytes that go
// on the wire, low byte first.
func ComputeCRCA(data []byte) (lo, hi byte) {
	crc := uint16(crcAInit)
	for _, b := range data {
		bt := b ^ byte(crc)
		bt ^= bt << 4
		crc = (crc >> 8) ^ uint16(bt)<<8 ^ uint16(bt)<<3 ^ uint16(bt)>>4
	}
	return byte(crc), byte(crc >> 8)
}

// AppendCRCA appends the CRC of data to data.
func AppendCRCA(data []byte) []byte {
	lo, hi := ComputeCRCA(data)
	return append(data, lo, hi)
}

// PutCRCA writes the CRC of data[:n] into data[n:n+2]. The slice must have
// room for both bytes.
func PutCRCA(data []byte, n int) {
	data[n], data[n+1] = ComputeCRCA(data[:n])
}

// CheckCRCA reports whether the trailing two bytes of frame are a valid CRC
// over the bytes before them.
func CheckCRCA(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	lo, hi := ComputeCRCA(frame[:len(frame)-2])
	return frame[len(frame)-2] == lo && frame[len(frame)-1] == hi
}

// ComputeCRCB returns the ISO14443-B CRC of data, low byte first. Topaz
// tags use it on an otherwise type A link.
func ComputeCRCB(data []byte) (lo, hi byte) {
	crc := uint16(0xFFFF)
	for _, b := range data {
		bt := b ^ byte(crc)
		bt ^= bt << 4
		crc = (crc >> 8) ^ uint16(bt)<<8 ^ uint16(bt)<<3 ^ uint16(bt)>>4
	}
	crc = ^crc
	return byte(crc), byte(crc >> 8)
}

// AppendCRCB appends the ISO14443-B CRC of data to data.
func AppendCRCB(data []byte) []byte {
	lo, hi := ComputeCRCB(data)
	return append(data, lo, hi)
}

// CalculateChecksum computes the bridge-link checksum: a plain byte sum.
// A frame is valid when data plus its checksum sums to zero.
func CalculateChecksum(data []byte) byte {
	chk := byte(0)
	for _, b := range data {
		chk += b
	}
	return chk
}
