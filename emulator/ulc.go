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
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// ulcTagNonce is the RndB the emulated Ultralight C picks every time.
var ulcTagNonce = [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

// Pages holding the 3DES key, in key order.
var ulcKeyPages = [4]int{0x2D, 0x2C, 0x2F, 0x2E}

// ulcCipher is two-key 3DES in CBC mode with an IV that carries over
// from one message to the next, as Ultralight C authentication needs.
type ulcCipher struct {
	block cipher.Block
	iv    [des.BlockSize]byte
}

func newULCCipher(key [16]byte) (*ulcCipher, error) {
	k := make([]byte, 0, 24)
	k = append(k, key[:]...)
	k = append(k, key[:8]...)
	b, err := des.NewTripleDESCipher(k)
	if err != nil {
		return nil, fmt.Errorf("ultralight C key: %w", err)
	}
	return &ulcCipher{block: b}, nil
}

func (c *ulcCipher) resetIV() {
	c.iv = [des.BlockSize]byte{}
}

// encrypt CBC-encrypts src into dst and keeps the last ciphertext block
// as the next IV.
func (c *ulcCipher) encrypt(dst, src []byte) {
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
	copy(c.iv[:], dst[len(dst)-des.BlockSize:])
}

// decrypt CBC-decrypts src into dst and keeps the last ciphertext block
// as the next IV.
func (c *ulcCipher) decrypt(dst, src []byte) {
	var next [des.BlockSize]byte
	copy(next[:], src[len(src)-des.BlockSize:])
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(dst, src)
	c.iv = next
}

// ulcKey reads the key from page data. Each page holds four key bytes in
// reverse order.
func ulcKey(pages []byte) [16]byte {
	var key [16]byte
	for i, p := range ulcKeyPages {
		src := pages[4*p : 4*p+4]
		for j := 0; j < 4; j++ {
			key[4*i+j] = src[3-j]
		}
	}
	return key
}

// rotateLeft moves the first byte of b to the end.
func rotateLeft(b []byte) {
	if len(b) < 2 {
		return
	}
	first := b[0]
	copy(b, b[1:])
	b[len(b)-1] = first
}

// rotateRight moves the last byte of b to the front.
func rotateRight(b []byte) {
	if len(b) < 2 {
		return
	}
	last := b[len(b)-1]
	copy(b[1:], b[:len(b)-1])
	b[0] = last
}
