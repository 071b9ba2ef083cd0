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

package uart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-iso14a/detection"
)

func fixedPorts(ports ...serialPort) func(context.Context) ([]serialPort, error) {
	return func(context.Context) ([]serialPort, error) { return ports, nil }
}

func TestDetect_Modes(t *testing.T) {
	t.Parallel()

	ch340 := serialPort{Path: "/dev/ttyUSB0", Name: "ttyUSB0", VIDPID: "1a86:7523"}
	plain := serialPort{Path: "/dev/ttyS0", Name: "ttyS0"}
	tests := []struct {
		name      string
		responds  map[string]bool
		wantPaths []string
		want      detection.Confidence
		mode      detection.Mode
	}{
		{
			name:      "passive keeps likely adapters",
			mode:      detection.Passive,
			wantPaths: []string{"/dev/ttyUSB0"},
			want:      detection.Medium,
		},
		{
			name:      "probe keeps responders only",
			mode:      detection.Probe,
			responds:  map[string]bool{"/dev/ttyS0": true},
			wantPaths: []string{"/dev/ttyS0"},
			want:      detection.High,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &detector{
				enumerate: fixedPorts(ch340, plain),
				probe:     func(_ context.Context, p string) bool { return tt.responds[p] },
			}
			got, err := d.Detect(context.Background(), &detection.Options{Mode: tt.mode})
			require.NoError(t, err)
			var paths []string
			for _, dev := range got {
				paths = append(paths, dev.Path)
				assert.Equal(t, tt.want, dev.Confidence)
			}
			assert.Equal(t, tt.wantPaths, paths)
		})
	}
}

func TestDetect_FiltersBeforeProbing(t *testing.T) {
	t.Parallel()

	var probed []string
	d := &detector{
		enumerate: fixedPorts(
			serialPort{Path: "/dev/ttyUSB0", VIDPID: "0403:6001"},
			serialPort{Path: "/dev/ttyUSB1"},
		),
		probe: func(_ context.Context, p string) bool {
			probed = append(probed, p)
			return false
		},
	}
	opts := &detection.Options{
		Mode:        detection.Probe,
		Blocklist:   []string{"0403:6001"},
		IgnorePaths: []string{"/dev/ttyUSB1"},
	}
	_, err := d.Detect(context.Background(), opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
	assert.Empty(t, probed)
}

func TestDetect_EnumerationError(t *testing.T) {
	t.Parallel()

	boom := errors.New("sysfs unavailable")
	d := &detector{enumerate: func(context.Context) ([]serialPort, error) { return nil, boom }}
	_, err := d.Detect(context.Background(), &detection.Options{})
	require.ErrorIs(t, err, boom)
}

func TestDeviceInfo_Metadata(t *testing.T) {
	t.Parallel()

	dev := deviceInfo(&serialPort{
		Path:         "/dev/ttyACM0",
		Name:         "ttyACM0",
		VIDPID:       "2E8A:000A",
		Product:      "ISO14443 sniffer",
		SerialNumber: "E6614",
	}, detection.Medium)

	assert.Equal(t, "uart", dev.Transport)
	assert.Equal(t, map[string]string{
		"vidpid":  "2E8A:000A",
		"product": "ISO14443 sniffer",
		"serial":  "E6614",
	}, dev.Metadata)
}

func TestIsLikelyBridge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		port serialPort
		want bool
	}{
		{"known vidpid", serialPort{VIDPID: "10c4:ea60"}, true},
		{"product keyword", serialPort{Product: "13.56MHz Bridge"}, true},
		{"unknown", serialPort{VIDPID: "1234:5678", Product: "Modem"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isLikelyBridge(&tt.port))
		})
	}
}
