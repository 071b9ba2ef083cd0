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

// Package detection locates sample bridges attached to the host so that
// callers do not have to know the device path in advance.
package detection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Mode selects how much a detector may disturb the candidate ports.
type Mode int

const (
	// Passive only reads descriptors and never opens a port.
	Passive Mode = iota
	// Probe opens each candidate and waits for the bridge to acknowledge
	// a mode change.
	Probe
)

// Confidence is how sure a detector is that a port hosts a bridge.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one detected bridge.
type DeviceInfo struct {
	// Metadata carries descriptor strings such as "vidpid" and "product".
	Metadata   map[string]string
	Transport  string
	Path       string
	Name       string
	Confidence Confidence
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s bridge at %s (confidence: %s)", d.Transport, d.Path, d.Confidence)
}

// Options configures a detection run.
type Options struct {
	// Blocklist holds VID:PID pairs that are never reported or opened.
	Blocklist []string
	// IgnorePaths holds device paths that are never reported or opened.
	IgnorePaths []string
	// Transports restricts the run to the named detectors. Empty means all.
	Transports []string
	CacheTTL   time.Duration
	Timeout    time.Duration
	Mode       Mode
	// EnableCache reuses the previous result of a detector within CacheTTL.
	EnableCache bool
}

// DefaultOptions probes candidates and caches results for half a minute.
func DefaultOptions() Options {
	return Options{
		Mode:        Probe,
		Timeout:     5 * time.Second,
		EnableCache: true,
		CacheTTL:    30 * time.Second,
	}
}

// Detector finds bridges reachable over one transport.
type Detector interface {
	Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error)
	Transport() string
}

var (
	// ErrNoDevicesFound is returned when no detector reported a bridge.
	ErrNoDevicesFound = errors.New("no sample bridge found")
	// ErrDetectionTimeout is returned when the run outlived its deadline.
	ErrDetectionTimeout = errors.New("detection timeout")
	// ErrNoDetectors is returned when no registered detector matches Options.Transports.
	ErrNoDetectors = errors.New("no detectors available for the requested transports")
)

var registry []Detector

// RegisterDetector adds d to the set consulted by DetectAll. Transport
// subpackages call it from init.
func RegisterDetector(d Detector) {
	registry = append(registry, d)
}

// DetectAll runs every registered detector allowed by opts concurrently and
// merges their results.
func DetectAll(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	return detect(ctx, opts, registry, defaultCache)
}

// ClearDetectionCache forgets every cached detection result.
func ClearDetectionCache() {
	defaultCache.clear("")
}

func detect(ctx context.Context, opts *Options, detectors []Detector, cache *resultCache) ([]DeviceInfo, error) {
	selected := filterDetectors(detectors, opts.Transports)
	if len(selected) == 0 {
		return nil, ErrNoDetectors
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	type result struct {
		err     error
		devices []DeviceInfo
	}
	results := make(chan result, len(selected))
	for _, d := range selected {
		go func(d Detector) {
			devices, err := runDetector(ctx, d, opts, cache)
			results <- result{devices: devices, err: err}
		}(d)
	}

	var found []DeviceInfo
	var errs []error
	for range selected {
		select {
		case r := <-results:
			if r.err != nil {
				errs = append(errs, r.err)
				continue
			}
			found = append(found, r.devices...)
		case <-ctx.Done():
			return nil, ErrDetectionTimeout
		}
	}

	if len(found) > 0 {
		slices.SortStableFunc(found, func(a, b DeviceInfo) int { return int(b.Confidence - a.Confidence) })
		return found, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNoDevicesFound
}

func runDetector(ctx context.Context, d Detector, opts *Options, cache *resultCache) ([]DeviceInfo, error) {
	if opts.EnableCache {
		if cached, ok := cache.get(d.Transport(), opts.CacheTTL); ok {
			// Cached entries were filtered with the options of an earlier run.
			return filterDevices(cached, opts), nil
		}
	}

	devices, err := d.Detect(ctx, opts)
	if err != nil && !errors.Is(err, ErrNoDevicesFound) {
		return nil, err
	}

	if opts.EnableCache {
		if len(devices) > 0 {
			cache.set(d.Transport(), devices)
		} else {
			cache.clear(d.Transport())
		}
	}
	return devices, nil
}

func filterDetectors(detectors []Detector, transports []string) []Detector {
	if len(transports) == 0 {
		return detectors
	}
	var out []Detector
	for _, d := range detectors {
		if slices.Contains(transports, d.Transport()) {
			out = append(out, d)
		}
	}
	return out
}

func filterDevices(devices []DeviceInfo, opts *Options) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range devices {
		if IsPathIgnored(d.Path, opts.IgnorePaths) {
			continue
		}
		if IsBlocked(d.Metadata["vidpid"], opts.Blocklist) {
			continue
		}
		out = append(out, d)
	}
	return out
}
