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

package detection

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
)

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// resultCache keeps the last non-empty result of each transport.
type resultCache struct {
	now     func() time.Time
	entries map[string]cacheEntry
	mu      syncutil.RWMutex
}

var defaultCache = newResultCache(time.Now)

func newResultCache(now func() time.Time) *resultCache {
	return &resultCache{now: now, entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[transport]
	if !ok || c.now().Sub(e.stored) > ttl {
		return nil, false
	}
	return append([]DeviceInfo(nil), e.devices...), true
}

func (c *resultCache) set(transport string, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[transport] = cacheEntry{
		devices: append([]DeviceInfo(nil), devices...),
		stored:  c.now(),
	}
}

// clear drops the entry for transport, or every entry when transport is empty.
func (c *resultCache) clear(transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transport == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, transport)
}

// IsBlocked reports whether vidpid appears in blocklist. Comparison ignores
// case and surrounding space.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	if vidpid == "" {
		return false
	}
	for _, b := range blocklist {
		if strings.ToUpper(strings.TrimSpace(b)) == vidpid {
			return true
		}
	}
	return false
}

// IsPathIgnored reports whether devicePath names one of ignorePaths after
// cleaning. Windows port names compare case-insensitively.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" {
		return false
	}
	want := normalizePath(devicePath)
	for _, p := range ignorePaths {
		if p != "" && normalizePath(p) == want {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	return strings.ToLower(filepath.Clean(p))
}
