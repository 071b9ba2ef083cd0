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

// RawRequest is one host-level reader operation: optionally power up and
// select, then send an APDU or a raw frame and read the answer.
type RawRequest struct {
	// Polling replaces the configured wake-up frames for the select.
	Polling *PollingParams
	// Data is the frame or APDU to send. Empty means select only.
	Data []byte
	// Bits sends only the first Bits bits of Data (after the CRC, if
	// appended). 0 sends whole bytes.
	Bits int
	// Timeout is the receive timeout in samples for this request; 0
	// keeps the current one.
	Timeout uint32
	// Connect powers the field before sending.
	Connect bool
	// NoSelect skips Select after Connect.
	NoSelect bool
	// NoRATS selects without RATS.
	NoRATS bool
	// APDU wraps Data in an ISO14443-4 I-block.
	APDU bool
	// SendChaining sets the chaining bit of the I-block.
	SendChaining bool
	// AppendCRC adds a CRC to a non-empty raw frame.
	AppendCRC bool
	// Topaz sends Topaz framing: a 7-bit first byte, no parity, CRC_B.
	Topaz bool
	// KeepField leaves the field on afterwards.
	KeepField bool
}

// RawResult carries everything a RawRequest produced.
type RawResult struct {
	Card *CardInfo
	// Response is the raw answer, or the APDU answer without PCB and CRC.
	Response []byte
	Parity   []byte
	Status   SelectStatus
	PCB      byte
}

// Exchange runs req. Unless req.KeepField is set the field is switched
// off before returning, even on error.
func (r *Reader) Exchange(ctx context.Context, req RawRequest) (res *RawResult, err error) {
	res = &RawResult{}

	if !req.KeepField {
		defer func() {
			if offErr := r.FieldOff(); offErr != nil && err == nil {
				err = offErr
			}
		}()
	}

	if req.Connect {
		if err := r.FieldOn(); err != nil {
			return nil, err
		}
		if !req.NoSelect {
			status, card, err := r.Select(ctx, SelectOptions{Polling: req.Polling, NoRATS: req.NoRATS})
			if err != nil {
				return nil, err
			}
			res.Status, res.Card = status, card
			if status == SelectNoCard {
				return res, nil
			}
		}
	}

	if req.Timeout > 0 {
		saved := r.Timeout()
		r.SetTimeout(req.Timeout)
		defer r.SetTimeout(saved)
	}

	if req.APDU {
		resp, err := r.ExchangeAPDU(ctx, req.Data, req.SendChaining)
		res.PCB = resp.PCB
		res.Response = resp.Data
		return res, err
	}

	if len(req.Data) == 0 {
		return res, nil
	}
	return res, r.sendRaw(ctx, req, res)
}

func (r *Reader) sendRaw(ctx context.Context, req RawRequest, res *RawResult) error {
	data := append([]byte(nil), req.Data...)
	bits := req.Bits
	if req.AppendCRC {
		if req.Topaz {
			data = frame.AppendCRCB(data)
		} else {
			data = frame.AppendCRCA(data)
		}
		if bits > 0 {
			bits += 16
		}
	}
	if bits > len(data)*8 {
		return fmt.Errorf("%w: %d bits from %d bytes", ErrInvalidParameter, bits, len(data))
	}

	if req.Topaz {
		if err := r.sendTopaz(ctx, data, bits); err != nil {
			return err
		}
	} else {
		if bits == 0 {
			bits = len(data) * 8
		}
		par := make([]byte, MaxParitySize)
		FillParity(par, data[:bits/8])
		if err := r.TransmitBitsPar(ctx, data, bits, par, nil); err != nil {
			return err
		}
	}

	buf := make([]byte, MaxFrameSize)
	par := make([]byte, MaxParitySize)
	n, err := r.Receive(ctx, buf, par)
	if err != nil {
		return err
	}
	res.Response = buf[:n]
	res.Parity = par[:ParityLen(n)]
	return nil
}

// sendTopaz sends each byte as its own frame without parity: 7 bits for
// the first, 8 for the rest.
func (r *Reader) sendTopaz(ctx context.Context, data []byte, bits int) error {
	if bits == 0 {
		bits = 7 + (len(data)-1)*8
	}
	for i := 0; bits > 0 && i < len(data); i++ {
		n := min(bits, 8)
		if i == 0 {
			n = min(bits, 7)
		}
		if err := r.TransmitBitsPar(ctx, data[i:i+1], n, nil, nil); err != nil {
			return err
		}
		bits -= n
	}
	return nil
}
