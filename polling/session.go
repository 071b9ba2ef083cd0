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

// Package polling watches the field for cards. A Session selects
// repeatedly, tracks which card is present and reports arrivals,
// changes and removals through callbacks.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
)

// ErrNoCardInTime is returned by ExchangeWithNextCard when no card shows
// up before the timeout.
var ErrNoCardInTime = errors.New("timeout waiting for card")

// Session handles continuous card monitoring with state machine
type Session struct {
	OnCardDetected func(card *iso14a.CardInfo) error
	OnCardRemoved  func()
	OnCardChanged  func(card *iso14a.CardInfo) error
	config         *Config
	reader         *iso14a.Reader
	recoverer      Recoverer
	now            func() time.Time
	pauseChan      chan struct{}
	resumeChan     chan struct{}
	ackChan        chan struct{}
	lastPoll       time.Time
	state          CardState
	stateMutex     syncutil.RWMutex
	exchangeMutex  syncutil.Mutex
	closed         atomic.Bool
	isPaused       atomic.Bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRecoverer runs r when a host sleep is detected. Without it a sleep
// only drops the card.
func WithRecoverer(r Recoverer) SessionOption {
	return func(s *Session) {
		s.recoverer = r
	}
}

// NewSession creates a session polling through reader.
func NewSession(reader *iso14a.Reader, config *Config, opts ...SessionOption) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Session{
		reader:     reader,
		config:     config,
		now:        time.Now,
		pauseChan:  make(chan struct{}, 1),
		resumeChan: make(chan struct{}, 1),
		ackChan:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start polls until ctx is done, a callback fails or the radio is gone.
// The field is switched off on return.
func (s *Session) Start(ctx context.Context) error {
	defer func() {
		if err := s.Reader().FieldOff(); err != nil {
			iso14a.Debugf("polling: field off: %v", err)
		}
	}()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	s.lastPoll = s.now()

	for {
		if err := s.handleContextAndPause(ctx); err != nil {
			return err
		}
		if err := s.checkSleep(ctx); err != nil {
			return err
		}
		if err := s.executeSinglePollingCycle(ctx); err != nil {
			return err
		}
		if err := s.waitForNextPollOrPause(ctx, ticker); err != nil {
			return err
		}
	}
}

// GetState returns the current card state
func (s *Session) GetState() CardState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// Reader returns the reader the session polls through.
func (s *Session) Reader() *iso14a.Reader {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.reader
}

func (s *Session) setReader(r *iso14a.Reader) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.reader = r
}

// SetOnCardDetected sets the callback for when a card is detected.
func (s *Session) SetOnCardDetected(callback func(*iso14a.CardInfo) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardDetected = callback
}

// SetOnCardRemoved sets the callback for when a card is removed.
func (s *Session) SetOnCardRemoved(callback func()) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardRemoved = callback
}

// SetOnCardChanged sets the callback for when a different card replaces
// the present one.
func (s *Session) SetOnCardChanged(callback func(*iso14a.CardInfo) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardChanged = callback
}

// Close stops the removal timer. Start must be stopped through its
// context.
func (s *Session) Close() error {
	// timer callbacks check this before touching state
	s.closed.Store(true)

	s.stateMutex.Lock()
	safeTimerStop(s.state.RemovalTimer)
	s.state.RemovalTimer = nil
	s.stateMutex.Unlock()

	s.isPaused.Store(false)
	select {
	case <-s.pauseChan:
	default:
	}
	select {
	case <-s.resumeChan:
	default:
	}
	return nil
}

// Pause stops the polling loop until Resume.
func (s *Session) Pause() {
	if s.isPaused.CompareAndSwap(false, true) {
		select {
		case s.pauseChan <- struct{}{}:
		default:
		}
	}
}

// Resume restarts the polling loop after a pause
func (s *Session) Resume() {
	if s.isPaused.CompareAndSwap(true, false) {
		select {
		case s.resumeChan <- struct{}{}:
		default:
		}
	}
}

// pauseWithAck pauses polling and waits for the loop to acknowledge, so
// the reader is free when it returns.
func (s *Session) pauseWithAck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.isPaused.CompareAndSwap(false, true) {
		return nil
	}

	select {
	case s.pauseChan <- struct{}{}:
		ackTimeout := time.NewTimer(100 * time.Millisecond)
		defer ackTimeout.Stop()

		select {
		case <-s.ackChan:
			return nil
		case <-ackTimeout.C:
			// no polling loop running
			return nil
		case <-ctx.Done():
			s.isPaused.Store(false)
			return ctx.Err()
		}
	case <-ctx.Done():
		s.isPaused.Store(false)
		return ctx.Err()
	default:
		return nil
	}
}

// ExchangeWithNextCard pauses polling, waits up to timeout for a card
// and runs fn with the reader while the card is selected.
func (s *Session) ExchangeWithNextCard(
	ctx context.Context,
	timeout time.Duration,
	fn func(ctx context.Context, r *iso14a.Reader, card *iso14a.CardInfo) error,
) error {
	s.exchangeMutex.Lock()
	defer s.exchangeMutex.Unlock()

	if err := s.pauseWithAck(ctx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		card, err := s.performSinglePoll(timeoutCtx)
		if err == nil {
			return fn(ctx, s.Reader(), card)
		}
		if !errors.Is(err, ErrNoTagInPoll) {
			if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return ErrNoCardInTime
			}
			return err
		}

		select {
		case <-ticker.C:
		case <-timeoutCtx.Done():
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return ErrNoCardInTime
			}
			return timeoutCtx.Err()
		}
	}
}

// checkSleep treats a poll far behind schedule as a host sleep: the card
// is dropped and the radio recovered.
func (s *Session) checkSleep(ctx context.Context) error {
	now := s.now()
	elapsed := now.Sub(s.lastPoll)
	s.lastPoll = now
	if !s.config.SleepRecovery.DetectSleep(elapsed, s.config.PollInterval) {
		return nil
	}

	iso14a.Debugf("polling: %v since last poll, assuming the host slept", elapsed)
	s.handleCardRemoval()
	if s.recoverer == nil {
		return nil
	}
	if err := s.recoverer.AttemptRecovery(ctx); err != nil {
		return fmt.Errorf("sleep recovery: %w", err)
	}
	s.setReader(s.recoverer.Reader())
	return nil
}

// executeSinglePollingCycle performs one polling cycle and processes results
func (s *Session) executeSinglePollingCycle(ctx context.Context) error {
	card, err := s.performSinglePoll(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoTagInPoll):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case iso14a.IsFatal(err):
			s.handleCardRemoval()
			return fmt.Errorf("polling stopped: %w", err)
		}
		s.handlePollingError(err)
		return nil
	}

	if err := s.processPollingResults(card); err != nil {
		return fmt.Errorf("callback error during polling: %w", err)
	}
	return nil
}

func (s *Session) waitForNextPollOrPause(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ticker.C:
		return nil
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handlePauseSignal(ctx context.Context) error {
	select {
	case s.ackChan <- struct{}{}:
	default:
	}
	return s.waitForResume(ctx)
}

func (s *Session) handleContextAndPause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	default:
		return nil
	}
}

func (s *Session) waitForResume(ctx context.Context) error {
	select {
	case <-s.resumeChan:
		// a pause is not a sleep
		s.lastPoll = s.now()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// performSinglePoll cycles the field and selects. Cycling resets a card
// left selected by the previous poll so it answers REQA again.
func (s *Session) performSinglePoll(ctx context.Context) (*iso14a.CardInfo, error) {
	r := s.Reader()
	if err := r.FieldOff(); err != nil {
		return nil, err
	}
	if err := r.FieldOn(); err != nil {
		return nil, err
	}
	_, card, err := r.Select(ctx, s.config.Select)
	if err != nil {
		return nil, fmt.Errorf("card detection failed: %w", err)
	}
	if card == nil || len(card.UID) == 0 {
		return nil, ErrNoTagInPoll
	}
	return card, nil
}

func (s *Session) handlePollingError(err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return
	}
	iso14a.Debugf("polling: %v", err)
	s.handleCardRemoval()
}

// handleCardRemoval runs from the removal timer and from error paths.
func (s *Session) handleCardRemoval() {
	if s.closed.Load() {
		return
	}

	s.stateMutex.Lock()
	// a timer that fired while a poll was processing the card is stale
	if s.state.DetectionState == StateReading {
		s.stateMutex.Unlock()
		return
	}
	wasPresent := s.state.Present
	if wasPresent {
		s.state.TransitionToIdle()
	}
	onRemoved := s.OnCardRemoved
	s.stateMutex.Unlock()

	if wasPresent && onRemoved != nil {
		onRemoved()
	}
}

func (s *Session) processPollingResults(card *iso14a.CardInfo) error {
	// stop the old timer before callbacks, which may take long
	s.stateMutex.Lock()
	s.state.TransitionToReading()
	s.stateMutex.Unlock()

	cardChanged, err := s.updateCardState(card)
	if err != nil {
		s.stateMutex.Lock()
		s.state.TransitionToDetected(s.config.CardRemovalTimeout, s.handleCardRemoval)
		s.stateMutex.Unlock()
		return err
	}

	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	uid := uidString(card)
	if cardChanged || s.state.TestedUID != uid {
		s.state.TestedUID = uid
		s.state.TransitionToPostReadGrace(s.config.CardRemovalTimeout, s.handleCardRemoval)
	} else {
		s.state.TransitionToDetected(s.config.CardRemovalTimeout, s.handleCardRemoval)
	}
	return nil
}

func (*Session) safeCallCallback(
	callback func(*iso14a.CardInfo) error,
	card *iso14a.CardInfo,
	callbackName string,
) (callbackErr error) {
	defer func() {
		if r := recover(); r != nil {
			callbackErr = fmt.Errorf("%s callback panicked: %v", callbackName, r)
		}
	}()
	if err := callback(card); err != nil {
		return fmt.Errorf("%s callback failed: %w", callbackName, err)
	}
	return nil
}

// updateCardState runs the detected or changed callback and records the
// card. It reports whether the card is new.
func (s *Session) updateCardState(card *iso14a.CardInfo) (bool, error) {
	uid := uidString(card)

	s.stateMutex.RLock()
	wasPresent := s.state.Present
	wasChanged := wasPresent && s.state.LastUID != uid
	onDetected := s.OnCardDetected
	onChanged := s.OnCardChanged
	s.stateMutex.RUnlock()

	if !wasPresent && onDetected != nil {
		if err := s.safeCallCallback(onDetected, card, "OnCardDetected"); err != nil {
			return false, err
		}
	} else if wasChanged && onChanged != nil {
		if err := s.safeCallCallback(onChanged, card, "OnCardChanged"); err != nil {
			return false, err
		}
	}

	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.state.Card = card
	if !wasPresent || wasChanged {
		s.state.Present = true
		s.state.LastUID = uid
		s.state.TestedUID = ""
		return true, nil
	}
	return false, nil
}
