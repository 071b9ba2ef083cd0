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
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
	"github.com/google/uuid"
)

var (
	sessionMu        syncutil.Mutex
	sessionLogFile   *os.File
	sessionLogPath   string
	sessionLogWriter io.Writer
	sessionID        string
)

// InitSessionLog opens iso14a_<date>_<time>.log in the working directory
// and routes every debug line to it. It returns the file name.
func InitSessionLog() (string, error) {
	return InitSessionLogIn(".")
}

// InitSessionLogIn is InitSessionLog with an explicit directory.
func InitSessionLogIn(dir string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s/iso14a_%s.log", strings.TrimRight(dir, "/"), timestamp)

	logFile, err := os.Create(filename) //nolint:gosec // name is built here, not taken from input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}

	sessionMu.Lock()
	defer sessionMu.Unlock()
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	sessionLogFile = logFile
	sessionLogPath = filename
	sessionLogWriter = logFile
	sessionID = uuid.NewString()

	writeSessionHeader(logFile, sessionID)
	return filename, nil
}

// CloseSessionLog writes the footer and closes the session log.
func CloseSessionLog() error {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if sessionLogFile == nil {
		return nil
	}
	timestamp := time.Now().Format("15:04:05.000")
	_, _ = fmt.Fprintf(sessionLogWriter, "\n%s === Session %s ended ===\n", timestamp, sessionID)

	err := sessionLogFile.Close()
	sessionLogFile = nil
	sessionLogPath = ""
	sessionLogWriter = nil
	sessionID = ""
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the open session log path, or "".
func GetSessionLogPath() string {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return sessionLogPath
}

// GetSessionID returns the id written in the session log header.
func GetSessionID() string {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return sessionID
}

func writeSessionHeader(writer io.Writer, id string) {
	_, _ = fmt.Fprint(writer, "=== ISO14443-A Debug Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Session: %s\n", id)
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(writer, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "====================================\n\n")
}
