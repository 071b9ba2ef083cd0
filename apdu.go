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
	"context"
	"fmt"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// ISO14443-4 block control bytes.
const (
	pcbIBlock   = 0x02
	pcbChaining = 0x10
	pcbRACK     = 0xA2
	pcbSWTX     = 0xF2
)

// APDUResponse is one ISO14443-4 answer block.
type APDUResponse struct {
	// Data is the information field without PCB and CRC.
	Data []byte
	// PCB is the card's protocol control byte. 0x12/0x13 means the card
	// is chaining and expects an R(ACK).
	PCB byte
}

// Chaining reports whether more blocks of the answer follow.
func (a APDUResponse) Chaining() bool {
	return a.PCB&0xC0 == 0 && a.PCB&pcbChaining != 0
}

// ExchangeAPDU sends apdu as an I-block and waits for the answer, answering
// S(WTX) requests on the way. An empty apdu sends R(ACK) to fetch the next
// block of a chained answer. With chaining set the I-block announces that
// more blocks follow.
//
// The card must have been selected with RATS.
func (r *Reader) ExchangeAPDU(ctx context.Context, apdu []byte, chaining bool) (APDUResponse, error) {
	if len(apdu)+3 > MaxFrameSize {
		return APDUResponse{}, fmt.Errorf("%w: APDU of %d bytes", ErrDataTooLarge, len(apdu))
	}

	cmd := make([]byte, 0, len(apdu)+3)
	if len(apdu) == 0 {
		cmd = append(cmd, pcbRACK|r.blockNum)
	} else {
		pcb := byte(pcbIBlock) | r.blockNum
		if chaining {
			pcb |= pcbChaining
		}
		cmd = append(cmd, pcb)
		cmd = append(cmd, apdu...)
	}
	cmd = frame.AppendCRCA(cmd)

	if err := r.Transmit(ctx, cmd, nil); err != nil {
		return APDUResponse{}, err
	}

	data := r.rxBuf[:]
	n, err := r.Receive(ctx, data, r.rxPar[:])
	if err != nil {
		return APDUResponse{}, err
	}
	if n == 0 {
		return APDUResponse{}, ErrNoResponse
	}

	saved := r.Timeout()
	for n >= 2 && data[0]&pcbSWTX == pcbSWTX {
		wtxm := uint32(data[1] & 0x3F)
		data[1] &= 0x3F
		Debugf("apdu: S(WTX) multiplier %d", wtxm)

		r.SetTimeout(min(wtxm*saved, MaxTimeout))

		if n < 4 {
			r.SetTimeout(saved)
			return APDUResponse{}, fmt.Errorf("%w: short S(WTX) block", ErrProtocol)
		}
		frame.PutCRCA(data, n-2)
		if err := r.Transmit(ctx, data[:n], nil); err != nil {
			r.SetTimeout(saved)
			return APDUResponse{}, err
		}
		n, err = r.Receive(ctx, data, r.rxPar[:])
		if err != nil {
			r.SetTimeout(saved)
			return APDUResponse{}, err
		}
		if n == 0 {
			r.SetTimeout(saved)
			return APDUResponse{}, ErrNoResponse
		}
	}
	r.SetTimeout(saved)

	pcb := data[0]
	if n >= 3 {
		isI := pcb&0xC0 == 0x00
		isRACK := pcb&0xD0 == 0x80
		if (isI || isRACK) && pcb&0x01 == r.blockNum {
			r.blockNum ^= 1
		}
		if !frame.CheckCRCA(data[:n]) {
			return APDUResponse{PCB: pcb}, ErrCRCMismatch
		}
		return APDUResponse{PCB: pcb, Data: append([]byte(nil), data[1:n-2]...)}, nil
	}
	return APDUResponse{PCB: pcb, Data: append([]byte(nil), data[1:n]...)}, nil
}

// ExchangeAPDUChained sends apdu and collects a chained answer, sending
// R(ACK) for each further block.
func (r *Reader) ExchangeAPDUChained(ctx context.Context, apdu []byte) ([]byte, error) {
	resp, err := r.ExchangeAPDU(ctx, apdu, false)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), resp.Data...)
	for resp.Chaining() {
		if resp, err = r.ExchangeAPDU(ctx, nil, false); err != nil {
			return out, err
		}
		out = append(out, resp.Data...)
	}
	return out, nil
}
