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

//go:build linux

package uart

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const ttyClass = "/sys/class/tty"

// getSerialPorts walks sysfs so USB descriptors come along with each port.
// Built-in UARTs are listed after USB ones.
func getSerialPorts(_ context.Context) ([]serialPort, error) {
	entries, err := os.ReadDir(ttyClass)
	if err != nil {
		return nil, err
	}

	var ports []serialPort
	for _, e := range entries {
		if p, ok := usbPort(e.Name()); ok {
			ports = append(ports, p)
		}
	}
	for _, pattern := range []string{"/dev/ttyAMA*", "/dev/ttyS[0-3]"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			ports = append(ports, serialPort{Path: m, Name: filepath.Base(m)})
		}
	}
	return ports, nil
}

func usbPort(name string) (serialPort, bool) {
	resolved, err := filepath.EvalSymlinks(filepath.Join(ttyClass, name, "device"))
	if err != nil || !strings.Contains(resolved, "/usb") {
		return serialPort{}, false
	}
	port := serialPort{Path: "/dev/" + name, Name: name}

	// The interface node sits a level or two below the device carrying idVendor.
	for dir, i := resolved, 0; i < 8 && strings.HasPrefix(dir, "/sys/"); dir, i = filepath.Dir(dir), i+1 {
		vid, err := readAttr(dir, "idVendor")
		if err != nil {
			continue
		}
		pid, _ := readAttr(dir, "idProduct")
		port.VIDPID = strings.ToUpper(vid + ":" + pid)
		port.Manufacturer, _ = readAttr(dir, "manufacturer")
		port.Product, _ = readAttr(dir, "product")
		port.SerialNumber, _ = readAttr(dir, "serial")
		break
	}
	return port, true
}

func readAttr(dir, attr string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, attr)) // #nosec G304 -- confined to /sys
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
