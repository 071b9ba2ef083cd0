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
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often and how patiently Retry repeats an operation.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter stretches each sleep by up to this fraction of itself.
	Jitter float64
	// Timeout caps the whole sequence including sleeps.
	Timeout time.Duration
}

// DefaultRetryPolicy suits reopening a bridge that was just plugged in.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		Timeout:           10 * time.Second,
	}
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects,
// or the policy runs out. The last error from fn is returned; a context
// error is returned only when fn never ran.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := p.InitialBackoff
	for attempt := 0; attempt < max(p.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			if !sleepContext(ctx, jittered(backoff, p.Jitter)) {
				return lastErr
			}
			backoff = nextBackoff(backoff, p)
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		Debugf("retry: attempt %d failed: %v", attempt+1, err)
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration, p RetryPolicy) time.Duration {
	next := time.Duration(float64(cur) * p.BackoffMultiplier)
	if p.MaxBackoff > 0 && next > p.MaxBackoff {
		return p.MaxBackoff
	}
	return next
}

func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*factor*float64(d))
}
