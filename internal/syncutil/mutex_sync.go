//go:build !deadlock

// Package syncutil supplies the locks guarding radio, emulator and config
// state. The default build uses the plain sync primitives; -tags=deadlock
// enables github.com/sasha-s/go-deadlock detection.
package syncutil

import "sync"

// Mutex is sync.Mutex unless built with -tags=deadlock.
//
//nolint:gocritic // embedded so callers get Lock/Unlock directly
type Mutex struct {
	sync.Mutex
}

// RWMutex is sync.RWMutex unless built with -tags=deadlock.
//
//nolint:gocritic // embedded so callers get the full RWMutex method set
type RWMutex struct {
	sync.RWMutex
}
