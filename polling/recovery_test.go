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
	"context"
	"errors"
	"testing"
	"time"

	iso14a "github.com/ZaparooProject/go-iso14a"
	virt "github.com/ZaparooProject/go-iso14a/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRecoverer(t *testing.T) {
	t.Parallel()
	reader := iso14a.NewReader(virt.NewField())

	t.Run("WithDefaults", func(t *testing.T) {
		t.Parallel()
		r := NewDefaultRecoverer(reader, nil, 0, 0)
		assert.Equal(t, 3, r.maxAttempts)
		assert.Equal(t, 500*time.Millisecond, r.backoff)
	})

	t.Run("WithCustomValues", func(t *testing.T) {
		t.Parallel()
		r := NewDefaultRecoverer(reader, nil, 100*time.Millisecond, 5)
		assert.Equal(t, 5, r.maxAttempts)
		assert.Equal(t, 100*time.Millisecond, r.backoff)
	})
}

func TestDefaultRecoverer_FieldCycleSuccess(t *testing.T) {
	t.Parallel()

	field := virt.NewField()
	reader := iso14a.NewReader(field)
	r := NewDefaultRecoverer(reader, nil, time.Millisecond, 3)

	require.NoError(t, r.AttemptRecovery(context.Background()))
	assert.Same(t, reader, r.Reader())
	assert.Equal(t, iso14a.ModeOff, field.Mode())
}

func TestDefaultRecoverer_FieldCycleFailsNoReopen(t *testing.T) {
	t.Parallel()

	radio := &deadRadio{modeErr: errors.New("port vanished")}
	r := NewDefaultRecoverer(iso14a.NewReader(radio), nil, time.Millisecond, 2)

	err := r.AttemptRecovery(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port vanished")
	assert.Equal(t, 2, radio.calls)
}

func TestDefaultRecoverer_ReopenSuccess(t *testing.T) {
	t.Parallel()

	radio := &deadRadio{modeErr: errors.New("port vanished")}
	replacement := iso14a.NewReader(virt.NewField())
	reopened := 0
	r := NewDefaultRecoverer(iso14a.NewReader(radio), func() (*iso14a.Reader, error) {
		reopened++
		return replacement, nil
	}, time.Millisecond, 3)

	require.NoError(t, r.AttemptRecovery(context.Background()))
	assert.Equal(t, 1, reopened)
	assert.Same(t, replacement, r.Reader())
}

func TestDefaultRecoverer_Cancelled(t *testing.T) {
	t.Parallel()

	radio := &deadRadio{modeErr: errors.New("port vanished")}
	r := NewDefaultRecoverer(iso14a.NewReader(radio), nil, time.Hour, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.AttemptRecovery(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, radio.calls)
}

func TestDefaultRecoverer_AllStepsFail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		reopenErr   error
		attempts    int
		wantReopens int
		wantIn      []string
	}{
		{
			name:        "reopen fails every time",
			reopenErr:   errors.New("no such device"),
			attempts:    3,
			wantReopens: 3,
			wantIn:      []string{"attempt 1: field cycle: field off: port vanished", "attempt 3: reopen: no such device"},
		},
		{
			name:     "without reopen",
			attempts: 2,
			wantIn:   []string{"attempt 2: field cycle: field off: port vanished"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			radio := &deadRadio{modeErr: errors.New("port vanished")}
			reopens := 0
			var reopen ReopenFunc
			if tt.reopenErr != nil {
				reopen = func() (*iso14a.Reader, error) {
					reopens++
					return nil, tt.reopenErr
				}
			}
			reader := iso14a.NewReader(radio)
			r := NewDefaultRecoverer(reader, reopen, time.Millisecond, tt.attempts)

			err := r.AttemptRecovery(context.Background())
			require.Error(t, err)
			for _, want := range tt.wantIn {
				assert.Contains(t, err.Error(), want)
			}
			assert.NotContains(t, err.Error(), "no reopen function")
			assert.Equal(t, tt.wantReopens, reopens)
			assert.Equal(t, tt.attempts, radio.calls)
			assert.Same(t, reader, r.Reader())
		})
	}
}
