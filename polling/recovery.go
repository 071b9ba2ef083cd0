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

package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
)

// Recoverer brings the radio back after a sleep.
type Recoverer interface {
	// AttemptRecovery returns nil once the radio works again.
	AttemptRecovery(ctx context.Context) error

	// Reader returns the current reader, which may be new after a reopen.
	Reader() *iso14a.Reader
}

// ReopenFunc reopens the radio and returns a reader on it.
type ReopenFunc func() (*iso14a.Reader, error)

// maxRecoveryBackoff caps the doubling wait between recovery attempts.
const maxRecoveryBackoff = 5 * time.Second

// recoveryStep is one way of getting the radio back, tried in order.
type recoveryStep struct {
	name string
	run  func(r *DefaultRecoverer) error
}

var recoverySteps = []recoveryStep{
	// enough when the port survived the sleep
	{name: "field cycle", run: func(r *DefaultRecoverer) error { return cycleField(r.reader) }},
	{name: "reopen", run: (*DefaultRecoverer).reopen},
}

// DefaultRecoverer cycles the field and then reopens the radio, waiting
// twice as long after each failed round.
type DefaultRecoverer struct {
	reader      *iso14a.Reader
	reopenFunc  ReopenFunc
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer. With a nil reopenFunc only
// the field cycle is tried.
func NewDefaultRecoverer(
	reader *iso14a.Reader,
	reopenFunc ReopenFunc,
	backoff time.Duration,
	maxAttempts int,
) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DefaultRecoverer{
		reader:      reader,
		reopenFunc:  reopenFunc,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// AttemptRecovery implements Recoverer. The error of a failed recovery
// carries every step's failure.
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wait := r.backoff
	var errs []error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			wait = min(2*wait, maxRecoveryBackoff)
		}
		for _, step := range recoverySteps {
			err := step.run(r)
			if err == nil {
				iso14a.Debugf("polling: radio back after %s on attempt %d", step.name, attempt)
				return nil
			}
			if errors.Is(err, errNoReopen) {
				continue
			}
			iso14a.Debugf("polling: %s failed on attempt %d: %v", step.name, attempt, err)
			errs = append(errs, fmt.Errorf("attempt %d: %s: %w", attempt, step.name, err))
		}
	}
	return fmt.Errorf("recovery failed after %d attempts: %w", r.maxAttempts, errors.Join(errs...))
}

// Reader implements Recoverer.
func (r *DefaultRecoverer) Reader() *iso14a.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader
}

var errNoReopen = errors.New("no reopen function")

func (r *DefaultRecoverer) reopen() error {
	if r.reopenFunc == nil {
		return errNoReopen
	}
	if err := r.reader.Radio().Close(); err != nil {
		iso14a.Debugf("polling: closing the lost radio: %v", err)
	}
	reader, err := r.reopenFunc()
	if err != nil {
		return err
	}
	r.reader = reader
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cycleField(r *iso14a.Reader) error {
	if err := r.FieldOff(); err != nil {
		return err
	}
	if err := r.FieldOn(); err != nil {
		return err
	}
	return r.FieldOff()
}
