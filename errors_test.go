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
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "radio timeout", err: ErrRadioTimeout, want: true},
		{name: "radio read", err: ErrRadioRead, want: true},
		{name: "wrapped write", err: fmt.Errorf("transmit: %w", ErrRadioWrite), want: true},
		{name: "corrupted bridge frame", err: ErrFrameCorrupted, want: true},
		{name: "no response", err: ErrNoResponse, want: true},
		{name: "bcc mismatch", err: ErrBCCMismatch, want: false},
		{name: "radio closed", err: ErrRadioClosed, want: false},
		{name: "permanent radio error", err: NewRadioClosedError("sample", "/dev/ttyACM0"), want: false},
		{name: "timeout radio error", err: NewTimeoutError("sample", "/dev/ttyACM0"), want: true},
		{name: "unknown", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "closed", err: ErrRadioClosed, want: true},
		{name: "eof", err: fmt.Errorf("read: %w", io.EOF), want: true},
		{name: "EIO", err: fmt.Errorf("read: %w", syscall.EIO), want: true},
		{name: "ENODEV", err: syscall.ENODEV, want: true},
		{name: "EAGAIN", err: syscall.EAGAIN, want: false},
		{name: "permanent", err: NewRadioError("open", "spi0", errors.New("x"), ErrorTypePermanent), want: true},
		{name: "transient", err: NewRadioReadError("sample", "spi0"), want: false},
		{name: "timeout sentinel", err: ErrRadioTimeout, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestRadioError(t *testing.T) {
	t.Parallel()

	err := NewFrameCorruptedError("sample", "/dev/ttyUSB0")
	assert.Equal(t, "sample /dev/ttyUSB0: frame corrupted", err.Error())
	assert.ErrorIs(t, err, ErrFrameCorrupted)
	assert.True(t, err.Retryable)

	noPort := NewRadioWriteError("transmit", "")
	assert.Equal(t, "transmit: radio write failed", noPort.Error())

	var re *RadioError
	wrapped := fmt.Errorf("select: %w", noPort)
	assert.ErrorAs(t, wrapped, &re)
	assert.Equal(t, "transmit", re.Op)
}
