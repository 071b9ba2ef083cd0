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
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ZaparooProject/go-iso14a/internal/frame"
	"github.com/ZaparooProject/go-iso14a/internal/syncutil"
	"gopkg.in/yaml.v3"
)

// Override is the tri-state used by the anticollision overrides.
type Override int8

const (
	OverrideAuto  Override = 0
	OverrideForce Override = 1
	OverrideSkip  Override = 2
)

func (o Override) String() string {
	switch o {
	case OverrideAuto:
		return "auto"
	case OverrideForce:
		return "force"
	case OverrideSkip:
		return "skip"
	default:
		return fmt.Sprintf("Override(%d)", int8(o))
	}
}

// BCCPolicy decides what Select does when a UID check byte is wrong.
type BCCPolicy int8

const (
	// BCCStrict aborts the select.
	BCCStrict BCCPolicy = 0
	// BCCFix replaces the card's check byte with the computed one.
	BCCFix BCCPolicy = 1
	// BCCIgnore keeps the card's check byte.
	BCCIgnore BCCPolicy = 2
)

func (p BCCPolicy) String() string {
	switch p {
	case BCCStrict:
		return "strict"
	case BCCFix:
		return "fix"
	case BCCIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("BCCPolicy(%d)", int8(p))
	}
}

// Unchanged leaves a ConfigUpdate field at its current value.
const Unchanged = -1

// MaxPollingFrames bounds PollingParams.Frames.
const MaxPollingFrames = 6

// retryTimeoutMs is the ATQA retry budget per polling frame.
const retryTimeoutMs = 10

// annotationExtraTimeoutMs widens the ATQA retry budget when a polling
// annotation frame is configured.
const annotationExtraTimeoutMs = 250

// PollingFrame is one wake-up frame. LastByteBits is 1..8; ExtraDelay is
// in milliseconds.
type PollingFrame struct {
	Frame        []byte
	LastByteBits int
	ExtraDelay   uint32
}

// Bits is the frame length in bits.
func (f PollingFrame) Bits() int {
	if len(f.Frame) == 0 {
		return 0
	}
	return (len(f.Frame)-1)*8 + f.LastByteBits
}

// PollingParams is the round-robin list of wake-up frames used to find a
// card, and the extra ATQA retry budget in milliseconds.
type PollingParams struct {
	Frames       []PollingFrame
	ExtraTimeout uint32
}

func (p PollingParams) clone() PollingParams {
	out := PollingParams{ExtraTimeout: p.ExtraTimeout, Frames: make([]PollingFrame, len(p.Frames))}
	for i, f := range p.Frames {
		f.Frame = append([]byte(nil), f.Frame...)
		out.Frames[i] = f
	}
	return out
}

// WUPAPollingParams polls with WUPA only.
func WUPAPollingParams() PollingParams {
	return PollingParams{Frames: []PollingFrame{{Frame: []byte{frame.CmdWUPA}, LastByteBits: 7}}}
}

// REQAPollingParams polls with REQA only, so halted cards stay silent.
func REQAPollingParams() PollingParams {
	return PollingParams{Frames: []PollingFrame{{Frame: []byte{frame.CmdREQA}, LastByteBits: 7}}}
}

var magSafeFrames = []PollingFrame{
	{Frame: []byte{frame.CmdMagSafeWUPA1}, LastByteBits: 7},
	{Frame: []byte{frame.CmdMagSafeWUPA2}, LastByteBits: 7},
	{Frame: []byte{frame.CmdMagSafeWUPA3}, LastByteBits: 7},
	{Frame: []byte{frame.CmdMagSafeWUPA4}, LastByteBits: 7},
}

// Config is the anticollision behaviour shared by every Select.
type Config struct {
	ForceAnticol Override
	ForceBCC     BCCPolicy
	ForceCL2     Override
	ForceCL3     Override
	ForceRATS    Override
	MagSafe      bool
	// PollingAnnotation is an extra raw frame added to the polling loop.
	// An empty frame disables it.
	PollingAnnotation PollingFrame
}

// String renders the configuration in the same shape as the CLI prints it.
func (c Config) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "anticollision ...... %s\n", c.ForceAnticol)
	_, _ = fmt.Fprintf(&sb, "BCC ................ %s\n", c.ForceBCC)
	_, _ = fmt.Fprintf(&sb, "cascade level 2 .... %s\n", c.ForceCL2)
	_, _ = fmt.Fprintf(&sb, "cascade level 3 .... %s\n", c.ForceCL3)
	_, _ = fmt.Fprintf(&sb, "RATS ............... %s\n", c.ForceRATS)
	_, _ = fmt.Fprintf(&sb, "MagSafe polling .... %t\n", c.MagSafe)
	if len(c.PollingAnnotation.Frame) == 0 {
		_, _ = fmt.Fprintf(&sb, "polling annotation . disabled\n")
	} else {
		_, _ = fmt.Fprintf(&sb, "polling annotation . %X (%d bits, delay %d ms)\n",
			c.PollingAnnotation.Frame, c.PollingAnnotation.Bits(), c.PollingAnnotation.ExtraDelay)
	}
	return sb.String()
}

// ConfigUpdate changes selected Config fields. Integer fields set to
// Unchanged are left alone, as is a nil PollingAnnotation.
type ConfigUpdate struct {
	PollingAnnotation *PollingFrame
	ForceAnticol      int
	ForceBCC          int
	ForceCL2          int
	ForceCL3          int
	ForceRATS         int
	MagSafe           int
}

// NewConfigUpdate returns an update that changes nothing.
func NewConfigUpdate() ConfigUpdate {
	return ConfigUpdate{
		ForceAnticol: Unchanged,
		ForceBCC:     Unchanged,
		ForceCL2:     Unchanged,
		ForceCL3:     Unchanged,
		ForceRATS:    Unchanged,
		MagSafe:      Unchanged,
	}
}

func (u ConfigUpdate) validate() error {
	fields := []struct {
		name  string
		value int
		max   int
	}{
		{"forceanticol", u.ForceAnticol, 2},
		{"forcebcc", u.ForceBCC, 2},
		{"forcecl2", u.ForceCL2, 2},
		{"forcecl3", u.ForceCL3, 2},
		{"forcerats", u.ForceRATS, 2},
		{"magsafe", u.MagSafe, 1},
	}
	for _, f := range fields {
		if f.value != Unchanged && (f.value < 0 || f.value > f.max) {
			return fmt.Errorf("%w: %s=%d (want 0..%d)", ErrConfigRange, f.name, f.value, f.max)
		}
	}
	if a := u.PollingAnnotation; a != nil && len(a.Frame) > 0 {
		if len(a.Frame) > MaxFrameSize {
			return fmt.Errorf("%w: polling annotation of %d bytes", ErrConfigRange, len(a.Frame))
		}
		if a.LastByteBits < 1 || a.LastByteBits > 8 {
			return fmt.Errorf("%w: polling annotation last byte bits %d", ErrConfigRange, a.LastByteBits)
		}
	}
	return nil
}

// ConfigStore holds the Config and the polling frames derived from it.
// Readers take a snapshot; only Set writes.
type ConfigStore struct {
	config  Config
	polling PollingParams
	mu      syncutil.RWMutex
}

// NewConfigStore returns a store with every override on auto.
func NewConfigStore() *ConfigStore {
	s := &ConfigStore{}
	s.polling = derivePolling(s.config)
	return s
}

// Get returns a copy of the current configuration.
func (s *ConfigStore) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.config
	c.PollingAnnotation.Frame = append([]byte(nil), c.PollingAnnotation.Frame...)
	return c
}

// PollingParams returns a copy of the polling frames derived from the
// configuration.
func (s *ConfigStore) PollingParams() PollingParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling.clone()
}

// Set applies u. Nothing is changed if any field is out of range.
func (s *ConfigStore) Set(u ConfigUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ForceAnticol != Unchanged {
		s.config.ForceAnticol = Override(u.ForceAnticol)
	}
	if u.ForceBCC != Unchanged {
		s.config.ForceBCC = BCCPolicy(u.ForceBCC)
	}
	if u.ForceCL2 != Unchanged {
		s.config.ForceCL2 = Override(u.ForceCL2)
	}
	if u.ForceCL3 != Unchanged {
		s.config.ForceCL3 = Override(u.ForceCL3)
	}
	if u.ForceRATS != Unchanged {
		s.config.ForceRATS = Override(u.ForceRATS)
	}
	if u.MagSafe != Unchanged {
		s.config.MagSafe = u.MagSafe == 1
	}
	if a := u.PollingAnnotation; a != nil {
		s.config.PollingAnnotation = PollingFrame{
			Frame:        append([]byte(nil), a.Frame...),
			LastByteBits: a.LastByteBits,
			ExtraDelay:   a.ExtraDelay,
		}
	}

	s.polling = derivePolling(s.config)
	Debugf("iso14a config updated: %d polling frames, extra timeout %d ms",
		len(s.polling.Frames), s.polling.ExtraTimeout)
	return nil
}

// derivePolling rebuilds the polling loop: WUPA, then the MagSafe frames,
// then the annotation, keeping one slot of MaxPollingFrames free.
func derivePolling(c Config) PollingParams {
	p := WUPAPollingParams()
	if c.MagSafe {
		for _, f := range magSafeFrames {
			if len(p.Frames) < MaxPollingFrames-1 {
				p.Frames = append(p.Frames, f)
			}
		}
	}
	if len(c.PollingAnnotation.Frame) > 0 {
		if len(p.Frames) < MaxPollingFrames-1 {
			p.Frames = append(p.Frames, c.PollingAnnotation)
		}
		p.ExtraTimeout = annotationExtraTimeoutMs
	}
	return p.clone()
}

// fileConfig is the YAML shape of a configuration file. Absent keys leave
// the stored value unchanged.
type fileConfig struct {
	ForceAnticol      *int            `yaml:"forceanticol"`
	ForceBCC          *int            `yaml:"forcebcc"`
	ForceCL2          *int            `yaml:"forcecl2"`
	ForceCL3          *int            `yaml:"forcecl3"`
	ForceRATS         *int            `yaml:"forcerats"`
	MagSafe           *bool           `yaml:"magsafe"`
	PollingAnnotation *fileAnnotation `yaml:"polling_annotation"`
}

type fileAnnotation struct {
	Frame        string `yaml:"frame"`
	LastByteBits int    `yaml:"last_byte_bits"`
	ExtraDelay   uint32 `yaml:"extra_delay_ms"`
}

// ParseConfig decodes a YAML configuration document into an update.
//
//	forcebcc: 1
//	magsafe: true
//	polling_annotation:
//	  frame: "6A02C801"
//	  last_byte_bits: 8
func ParseConfig(data []byte) (ConfigUpdate, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return ConfigUpdate{}, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}

	u := NewConfigUpdate()
	pick := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	pick(&u.ForceAnticol, fc.ForceAnticol)
	pick(&u.ForceBCC, fc.ForceBCC)
	pick(&u.ForceCL2, fc.ForceCL2)
	pick(&u.ForceCL3, fc.ForceCL3)
	pick(&u.ForceRATS, fc.ForceRATS)
	if fc.MagSafe != nil {
		u.MagSafe = 0
		if *fc.MagSafe {
			u.MagSafe = 1
		}
	}
	if a := fc.PollingAnnotation; a != nil {
		raw, err := hex.DecodeString(strings.ReplaceAll(a.Frame, " ", ""))
		if err != nil {
			return ConfigUpdate{}, fmt.Errorf("%w: polling annotation frame: %w", ErrConfigFile, err)
		}
		bits := a.LastByteBits
		if bits == 0 {
			bits = 8
		}
		u.PollingAnnotation = &PollingFrame{Frame: raw, LastByteBits: bits, ExtraDelay: a.ExtraDelay}
	}

	if err := u.validate(); err != nil {
		return ConfigUpdate{}, err
	}
	return u, nil
}

// LoadConfigFile reads a YAML configuration file and applies it to s.
func LoadConfigFile(s *ConfigStore, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigFile, err)
	}
	u, err := ParseConfig(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return s.Set(u)
}
