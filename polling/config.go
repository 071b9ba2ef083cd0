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
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
)

// SleepRecoveryConfig configures recovery after the host slept. A poll
// that comes far later than the interval means the radio may have lost
// power and any card state is stale.
type SleepRecoveryConfig struct {
	// Enabled turns sleep detection on.
	Enabled bool

	// TimeDiscontinuityThreshold is how far past the poll interval a poll
	// may come before it counts as a sleep. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration
}

// DefaultSleepRecoveryConfig returns the defaults.
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
	}
}

// DetectSleep reports whether elapsed exceeds pollInterval plus the
// threshold.
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	return elapsed > pollInterval+cfg.TimeDiscontinuityThreshold
}

// Config holds polling configuration options
type Config struct {
	// Select is passed to every poll's Select. NoRATS keeps polling
	// cheap for cards that are only identified by UID.
	Select             iso14a.SelectOptions
	PollInterval       time.Duration
	CardRemovalTimeout time.Duration
	SleepRecovery      SleepRecoveryConfig
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		Select:             iso14a.SelectOptions{NoRATS: true},
		PollInterval:       250 * time.Millisecond,
		CardRemovalTimeout: 600 * time.Millisecond,
		SleepRecovery:      DefaultSleepRecoveryConfig(),
	}
}
