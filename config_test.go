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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigStore_Defaults(t *testing.T) {
	t.Parallel()

	s := NewConfigStore()
	c := s.Get()
	assert.Equal(t, OverrideAuto, c.ForceAnticol)
	assert.Equal(t, BCCStrict, c.ForceBCC)
	assert.False(t, c.MagSafe)

	p := s.PollingParams()
	require.Len(t, p.Frames, 1)
	assert.Equal(t, []byte{frame.CmdWUPA}, p.Frames[0].Frame)
	assert.Equal(t, 7, p.Frames[0].Bits())
	assert.Zero(t, p.ExtraTimeout)
}

func TestConfigStore_SetLeavesUnchangedFields(t *testing.T) {
	t.Parallel()

	s := NewConfigStore()
	u := NewConfigUpdate()
	u.ForceBCC = int(BCCFix)
	u.ForceCL2 = int(OverrideForce)
	require.NoError(t, s.Set(u))

	u = NewConfigUpdate()
	u.ForceRATS = int(OverrideSkip)
	require.NoError(t, s.Set(u))

	c := s.Get()
	assert.Equal(t, BCCFix, c.ForceBCC)
	assert.Equal(t, OverrideForce, c.ForceCL2)
	assert.Equal(t, OverrideSkip, c.ForceRATS)
	assert.Equal(t, OverrideAuto, c.ForceCL3)
}

func TestConfigStore_SetRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(u *ConfigUpdate)
	}{
		{name: "anticol", edit: func(u *ConfigUpdate) { u.ForceAnticol = 3 }},
		{name: "bcc", edit: func(u *ConfigUpdate) { u.ForceBCC = -2 }},
		{name: "magsafe", edit: func(u *ConfigUpdate) { u.MagSafe = 2 }},
		{name: "annotation bits", edit: func(u *ConfigUpdate) {
			u.PollingAnnotation = &PollingFrame{Frame: []byte{0x52}, LastByteBits: 9}
		}},
		{name: "annotation size", edit: func(u *ConfigUpdate) {
			u.PollingAnnotation = &PollingFrame{Frame: make([]byte, MaxFrameSize+1), LastByteBits: 8}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewConfigStore()
			u := NewConfigUpdate()
			u.ForceCL3 = int(OverrideSkip)
			tt.edit(&u)

			err := s.Set(u)
			require.ErrorIs(t, err, ErrConfigRange)
			assert.Equal(t, OverrideAuto, s.Get().ForceCL3, "nothing applied")
		})
	}
}

func TestConfigStore_PollingFrames(t *testing.T) {
	t.Parallel()

	s := NewConfigStore()
	u := NewConfigUpdate()
	u.MagSafe = 1
	u.PollingAnnotation = &PollingFrame{Frame: []byte{0x6A, 0x02, 0xC8, 0x01}, LastByteBits: 8, ExtraDelay: 5}
	require.NoError(t, s.Set(u))

	p := s.PollingParams()
	require.Len(t, p.Frames, 5)
	assert.Equal(t, []byte{frame.CmdWUPA}, p.Frames[0].Frame)
	assert.Equal(t, []byte{frame.CmdMagSafeWUPA1}, p.Frames[1].Frame)
	assert.Equal(t, []byte{frame.CmdMagSafeWUPA4}, p.Frames[4].Frame)
	assert.Equal(t, uint32(annotationExtraTimeoutMs), p.ExtraTimeout)

	u = NewConfigUpdate()
	u.MagSafe = 0
	require.NoError(t, s.Set(u))
	p = s.PollingParams()
	require.Len(t, p.Frames, 2)
	assert.Equal(t, []byte{0x6A, 0x02, 0xC8, 0x01}, p.Frames[1].Frame)
	assert.Equal(t, 32, p.Frames[1].Bits())

	u = NewConfigUpdate()
	u.PollingAnnotation = &PollingFrame{}
	require.NoError(t, s.Set(u))
	p = s.PollingParams()
	assert.Len(t, p.Frames, 1)
	assert.Zero(t, p.ExtraTimeout)
}

func TestConfigStore_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	s := NewConfigStore()
	p := s.PollingParams()
	p.Frames[0].Frame[0] = 0x00
	assert.Equal(t, []byte{frame.CmdWUPA}, s.PollingParams().Frames[0].Frame)
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	u, err := ParseConfig([]byte(`
forcebcc: 2
forcerats: 1
magsafe: true
polling_annotation:
  frame: "6A 02 C8 01"
  extra_delay_ms: 3
`))
	require.NoError(t, err)
	assert.Equal(t, 2, u.ForceBCC)
	assert.Equal(t, 1, u.ForceRATS)
	assert.Equal(t, 1, u.MagSafe)
	assert.Equal(t, Unchanged, u.ForceAnticol)
	require.NotNil(t, u.PollingAnnotation)
	assert.Equal(t, []byte{0x6A, 0x02, 0xC8, 0x01}, u.PollingAnnotation.Frame)
	assert.Equal(t, 8, u.PollingAnnotation.LastByteBits)
	assert.Equal(t, uint32(3), u.PollingAnnotation.ExtraDelay)
}

func TestParseConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want error
		name string
		doc  string
	}{
		{name: "yaml", doc: "forcebcc: [", want: ErrConfigFile},
		{name: "hex", doc: "polling_annotation:\n  frame: zz\n", want: ErrConfigFile},
		{name: "range", doc: "forcecl2: 7\n", want: ErrConfigRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.doc))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "hf14a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forceanticol: 1\nforcecl3: 2\n"), 0o600))

	s := NewConfigStore()
	require.NoError(t, LoadConfigFile(s, path))
	assert.Equal(t, OverrideForce, s.Get().ForceAnticol)
	assert.Equal(t, OverrideSkip, s.Get().ForceCL3)

	err := LoadConfigFile(s, filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrConfigFile)
}

func TestConfig_String(t *testing.T) {
	t.Parallel()

	c := Config{ForceBCC: BCCIgnore}
	out := c.String()
	assert.Contains(t, out, "BCC ................ ignore")
	assert.True(t, strings.HasSuffix(out, "polling annotation . disabled\n"))
}
