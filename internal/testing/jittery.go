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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// JitterConfig shapes how a JitteryLink delivers bytes.
type JitterConfig struct {
	// MaxLatency bounds the random delay before each Read.
	MaxLatency time.Duration
	// FragmentMinBytes is the smallest non-empty fragment returned.
	FragmentMinBytes int
	// StallAfterBytes delays the read that follows this many bytes once.
	StallAfterBytes int
	StallDuration   time.Duration
	// Seed makes fragmentation reproducible. Zero picks a random seed.
	Seed          uint64
	FragmentReads bool
	// USBBoundaries splits reads at 64-byte bulk packet boundaries.
	USBBoundaries bool
}

// JitteryLink sits between a serial driver and a fake bridge and hands
// bytes back the way USB-serial adapters do: late and in odd pieces.
// Nothing read from the backend is lost.
type JitteryLink struct {
	backend   io.ReadWriter
	rng       *rand.Rand
	pending   []byte
	config    JitterConfig
	delivered int
	stalled   bool
}

// NewJitteryLink wraps backend.
func NewJitteryLink(backend io.ReadWriter, config JitterConfig) *JitteryLink {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	config.FragmentMinBytes = max(config.FragmentMinBytes, 1)
	return &JitteryLink{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0x5A5A5A5A)), //nolint:gosec // test fixture
		pending: make([]byte, 0, 1024),
	}
}

// Write is passed through unchanged.
func (j *JitteryLink) Write(p []byte) (int, error) {
	return j.backend.Write(p) //nolint:wrapcheck // pass-through
}

func (j *JitteryLink) Read(p []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		time.Sleep(time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)))
	}

	if len(j.pending) == 0 {
		chunk := make([]byte, 1024)
		n, err := j.backend.Read(chunk)
		if n == 0 {
			return 0, err //nolint:wrapcheck // pass-through
		}
		j.pending = append(j.pending, chunk[:n]...)
	}

	n := min(len(j.pending), len(p))

	if limit := j.config.StallAfterBytes; limit > 0 && !j.stalled {
		if j.delivered >= limit {
			j.stalled = true
			time.Sleep(j.config.StallDuration)
		} else {
			n = min(n, limit-j.delivered)
		}
	}

	if j.config.USBBoundaries {
		n = min(n, 64-j.delivered%64)
	}

	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}

	copy(p, j.pending[:n])
	j.pending = j.pending[n:]
	j.delivered += n
	return n, nil
}

// Reset forgets buffered bytes and re-arms the stall.
func (j *JitteryLink) Reset() {
	j.pending = j.pending[:0]
	j.delivered = 0
	j.stalled = false
}
