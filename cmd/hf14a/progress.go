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

package main

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const spinner = `|/-\`

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// withProgress runs fn. On a terminal a spinner line with the elapsed time
// is redrawn in place; otherwise start and finish are logged as plain
// lines so redirected output stays readable.
func withProgress(ctx context.Context, e *env, label string, fn func(context.Context) error) error {
	start := time.Now()
	if !e.interactive {
		e.printf("%s: started\n", label)
		err := fn(ctx)
		e.printf("%s: finished after %s\n", label, time.Since(start).Round(time.Millisecond))
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.printf("\r\033[K%c %s %s", spinner[i%len(spinner)], label, time.Since(start).Round(time.Second))
			}
		}
	}()

	err := fn(ctx)
	close(done)
	wg.Wait()
	e.printf("\r\033[K%s: finished after %s\n", label, time.Since(start).Round(time.Millisecond))
	return err
}
