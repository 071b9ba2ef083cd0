//go:build deadlock

// Package syncutil supplies the locks guarding radio, emulator and config
// state. Building with -tags=deadlock swaps them for go-deadlock's
// instrumented versions so lock-order bugs in the field loops surface in CI.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex is an instrumented deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is an instrumented deadlock.RWMutex.
type RWMutex struct {
	deadlock.RWMutex
}
