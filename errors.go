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
	"runtime"
	"syscall"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
)

// Radio errors, potentially retryable
var (
	ErrRadioTimeout  = errors.New("radio timeout")
	ErrRadioWrite    = errors.New("radio write failed")
	ErrRadioRead     = errors.New("radio read failed")
	ErrRadioClosed   = errors.New("radio is closed")
	ErrRadioNotReady = errors.New("radio not ready")

	// Sample bridge framing errors
	ErrFrameCorrupted   = frame.ErrFrameCorrupted
	ErrChecksumMismatch = frame.ErrChecksumMismatch
)

// Protocol errors. Card silence and bad checksums inside select are
// reported through SelectStatus; these cover the exchanges that return
// Go errors (raw exchange, APDU).
var (
	ErrNoResponse       = errors.New("no response from card")
	ErrNoCard           = errors.New("no card selected")
	ErrBCCMismatch      = errors.New("UID check byte mismatch")
	ErrCRCMismatch      = errors.New("CRC_A mismatch")
	ErrProtocol         = errors.New("ISO14443-4 protocol error")
	ErrNotISO14443_4    = errors.New("card does not support ISO14443-4") //nolint:revive // standard name
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
)

// Configuration errors
var (
	ErrConfigRange = errors.New("configuration value out of range")
	ErrConfigFile  = errors.New("invalid configuration file")
)

// ErrorType classifies radio failures for retry decisions
type ErrorType int

const (
	// ErrorTypeTransient may succeed on retry
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent will not succeed on retry
	ErrorTypePermanent
	// ErrorTypeTimeout is a timeout, retryable with care
	ErrorTypeTimeout
)

// RadioError wraps a radio backend failure with the operation and port.
type RadioError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *RadioError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RadioError) Unwrap() error {
	return e.Err
}

// NewRadioError builds a RadioError; timeouts and transient errors are retryable.
func NewRadioError(op, port string, err error, errType ErrorType) *RadioError {
	return &RadioError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for radio operations
func NewTimeoutError(op, port string) *RadioError {
	return NewRadioError(op, port, ErrRadioTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a frame corruption error
func NewFrameCorruptedError(op, port string) *RadioError {
	return NewRadioError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewRadioWriteError creates a write error
func NewRadioWriteError(op, port string) *RadioError {
	return NewRadioError(op, port, ErrRadioWrite, ErrorTypeTransient)
}

// NewRadioReadError creates a read error
func NewRadioReadError(op, port string) *RadioError {
	return NewRadioError(op, port, ErrRadioRead, ErrorTypeTransient)
}

// NewRadioClosedError creates an error for use after Close
func NewRadioClosedError(op, port string) *RadioError {
	return NewRadioError(op, port, ErrRadioClosed, ErrorTypePermanent)
}

// IsRetryable reports whether the operation that produced err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re *RadioError
	if errors.As(err, &re) {
		return re.Retryable
	}

	switch {
	case errors.Is(err, ErrRadioTimeout),
		errors.Is(err, ErrRadioRead),
		errors.Is(err, ErrRadioWrite),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrNoResponse),
		errors.Is(err, ErrCRCMismatch):
		return true
	default:
		return false
	}
}

// IsFatal reports whether the radio is gone and long-running loops
// (polling, sniffing, emulation) should stop rather than retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var re *RadioError
	if errors.As(err, &re) {
		if re.Type == ErrorTypePermanent {
			return true
		}
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrRadioClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows errno values for an unplugged device; syscall only defines
// them on Windows.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // only the device-gone values matter
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}

	if runtime.GOOS == "windows" {
		//nolint:exhaustive // only the device-gone values matter
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}
