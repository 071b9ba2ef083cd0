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

// Package uart finds sample bridges on serial ports. Importing it registers
// the detector with the detection package.
package uart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-iso14a/detection"
	"github.com/ZaparooProject/go-iso14a/transport/uart"
)

const probeTimeout = 2 * time.Second

// serialPort is one enumerated port and whatever USB descriptors it exposes.
type serialPort struct {
	Path         string
	Name         string
	VIDPID       string
	Manufacturer string
	Product      string
	SerialNumber string
}

// USB-serial bridges commonly used to carry the sample stream.
var knownAdapters = []string{
	"0403:6001", // FTDI FT232R
	"0403:6014", // FTDI FT232H
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
	"2E8A:000A", // RP2040 CDC
}

var productKeywords = []string{"iso14443", "sniffer", "13.56", "nfc"}

type detector struct {
	enumerate func(ctx context.Context) ([]serialPort, error)
	probe     func(ctx context.Context, path string) bool
}

// New returns a detector that enumerates the host's serial ports.
func New() detection.Detector {
	return &detector{enumerate: getSerialPorts, probe: probeBridge}
}

func init() {
	detection.RegisterDetector(New())
}

func (*detector) Transport() string {
	return "uart"
}

// Detect lists candidate ports. In Probe mode every candidate is opened and
// only ports that answer a mode change are reported.
func (d *detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := d.enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for i := range ports {
		if ctx.Err() != nil {
			break
		}
		if dev, ok := d.processPort(ctx, &ports[i], opts); ok {
			devices = append(devices, dev)
		}
	}
	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func (d *detector) processPort(ctx context.Context, port *serialPort, opts *detection.Options) (detection.DeviceInfo, bool) {
	if detection.IsBlocked(port.VIDPID, opts.Blocklist) || detection.IsPathIgnored(port.Path, opts.IgnorePaths) {
		return detection.DeviceInfo{}, false
	}

	dev := deviceInfo(port, detection.Low)
	if isLikelyBridge(port) {
		dev.Confidence = detection.Medium
	}

	switch opts.Mode {
	case detection.Passive:
		return dev, dev.Confidence > detection.Low
	case detection.Probe:
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if !d.probe(pctx, port.Path) {
			return detection.DeviceInfo{}, false
		}
		dev.Confidence = detection.High
		return dev, true
	default:
		return detection.DeviceInfo{}, false
	}
}

func deviceInfo(port *serialPort, c detection.Confidence) detection.DeviceInfo {
	dev := detection.DeviceInfo{
		Transport:  "uart",
		Path:       port.Path,
		Name:       port.Name,
		Confidence: c,
		Metadata:   make(map[string]string),
	}
	for k, v := range map[string]string{
		"vidpid":       port.VIDPID,
		"manufacturer": port.Manufacturer,
		"product":      port.Product,
		"serial":       port.SerialNumber,
	} {
		if v != "" {
			dev.Metadata[k] = v
		}
	}
	return dev
}

func isLikelyBridge(port *serialPort) bool {
	vidpid := strings.ToUpper(port.VIDPID)
	for _, known := range knownAdapters {
		if vidpid == known {
			return true
		}
	}
	desc := strings.ToLower(port.Product + " " + port.Manufacturer)
	for _, kw := range productKeywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// probeBridge opens the port once. Opening switches the bridge off and
// fails unless the mode change is acknowledged.
func probeBridge(ctx context.Context, path string) bool {
	done := make(chan bool, 1)
	go func() {
		r, err := uart.New(path)
		if err != nil {
			done <- false
			return
		}
		_ = r.Close()
		done <- true
	}()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}
