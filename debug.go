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
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var debugEnabled atomic.Bool

func init() {
	if os.Getenv("ISO14A_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// Debugf logs a formatted debug message. The session log (if open) always
// receives it; the console only when debug output is enabled.
//
// Decoders and encoders never call this: they sit in the per-sample path.
func Debugf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	writeSessionLine(message)
	if debugEnabled.Load() {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugln is the Println-style counterpart of Debugf.
func Debugln(args ...any) {
	writeSessionLine(fmt.Sprint(args...))
	if debugEnabled.Load() {
		_, _ = fmt.Print("DEBUG: ")
		_, _ = fmt.Println(args...)
	}
}

// SetDebugEnabled switches console debug output on or off.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether console debug output is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

func writeSessionLine(message string) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if sessionLogWriter == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(sessionLogWriter, "%s DEBUG: %s\n", timestamp, message)
}
